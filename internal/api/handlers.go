package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/execution"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/model"
	"github.com/ggonzalez94/swapvault/internal/session"
	"github.com/ggonzalez94/swapvault/internal/wallet"
)

type passcodeRequest struct {
	Passcode string `json:"passcode"`
}

type changePasscodeRequest struct {
	OldPasscode string `json:"old_passcode"`
	NewPasscode string `json:"new_passcode"`
}

type startRunRequest struct {
	Ticker    string `json:"ticker"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req passcodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	info, err := session.Handle(r.Context(), s.gateway, event(r), "wallet.create", func(ctx context.Context) (wallet.Info, error) {
		return s.wallets.Create(ctx, req.Passcode)
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusCreated, info)
}

func (s *Server) handleWalletInfo(w http.ResponseWriter, r *http.Request) {
	info, err := session.Handle(r.Context(), s.gateway, event(r), "wallet.info", s.wallets.Info)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, info)
}

func (s *Server) handleWalletBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := session.Handle(r.Context(), s.gateway, event(r), "wallet.balances", s.wallets.Balances)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, balances)
}

func (s *Server) handleChangePasscode(w http.ResponseWriter, r *http.Request) {
	var req changePasscodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	info, err := session.Handle(r.Context(), s.gateway, event(r), "wallet.passcode", func(ctx context.Context) (wallet.Info, error) {
		return s.wallets.ChangePasscode(ctx, req.OldPasscode, req.NewPasscode)
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, info)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	direction, err := id.ParseDirection(req.Direction)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	run, err := session.Handle(r.Context(), s.gateway, event(r), "trade.start", func(ctx context.Context) (execution.Run, error) {
		return s.runs.Start(ctx, req.Ticker, req.Amount, direction)
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusCreated, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req passcodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	runID := chi.URLParam(r, "id")
	// The transport keeps the turn open until the run settles, so the
	// resume outlives a dropped client connection.
	ctx := context.WithoutCancel(r.Context())
	res, err := session.Handle(ctx, s.gateway, event(r), "trade.resume", func(ctx context.Context) (execution.Result, error) {
		return s.runs.Resume(ctx, runID, req.Passcode)
	})
	if err != nil {
		var data any
		if res.RunID != "" {
			data = res
		}
		s.fail(w, r, err, data)
		return
	}
	s.ok(w, r, http.StatusOK, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := session.Handle(r.Context(), s.gateway, event(r), "trade.show", func(ctx context.Context) (execution.Run, error) {
		return s.runs.Get(ctx, runID)
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, run)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := session.Handle(r.Context(), s.gateway, event(r), "trade.status", func(ctx context.Context) (execution.Run, error) {
		return s.runs.Status(ctx, runID)
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	state := execution.State(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))))
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			s.fail(w, r, clierr.New(clierr.CodeUsage, "limit must be between 1 and 200"), nil)
			return
		}
		limit = n
	}
	runs, err := session.Handle(r.Context(), s.gateway, event(r), "trade.list", func(ctx context.Context) ([]execution.Run, error) {
		return s.runs.List(ctx, state, limit)
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, runs)
}

// handleLimits reads the caller's rate window without consuming from it.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	info, err := s.gateway.Limits(r.Context(), identityOf(r))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, r, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := model.Health{Status: "ok", Providers: []model.ProviderStatus{}}
	for name, checker := range s.health {
		start := time.Now()
		status := "ok"
		if err := checker.GetHealth(ctx); err != nil {
			status = "unavailable"
			health.Status = "degraded"
		}
		health.Providers = append(health.Providers, model.ProviderStatus{
			Name:      name,
			Status:    status,
			LatencyMS: time.Since(start).Milliseconds(),
		})
	}
	sort.Slice(health.Providers, func(i, j int) bool { return health.Providers[i].Name < health.Providers[j].Name })
	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}
