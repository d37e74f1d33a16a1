package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/execution"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/model"
	"github.com/ggonzalez94/swapvault/internal/out"
	"github.com/ggonzalez94/swapvault/internal/session"
	"github.com/ggonzalez94/swapvault/internal/wallet"
)

const maxBodyBytes = 8 * 1024

type Wallets interface {
	Create(ctx context.Context, passcode string) (wallet.Info, error)
	Info(ctx context.Context) (wallet.Info, error)
	ChangePasscode(ctx context.Context, oldPasscode, newPasscode string) (wallet.Info, error)
	Balances(ctx context.Context) (wallet.Balances, error)
}

type Runs interface {
	Start(ctx context.Context, ticker, amount string, direction id.Direction) (execution.Run, error)
	Resume(ctx context.Context, runID, passcode string) (execution.Result, error)
	Status(ctx context.Context, runID string) (execution.Run, error)
	Get(ctx context.Context, runID string) (execution.Run, error)
	List(ctx context.Context, state execution.State, limit int) ([]execution.Run, error)
}

// HealthChecker reports whether an upstream dependency is reachable.
type HealthChecker interface {
	GetHealth(ctx context.Context) error
}

type Server struct {
	wallets Wallets
	runs    Runs
	gateway *session.Gateway
	health  map[string]HealthChecker
	secret  []byte
	log     zerolog.Logger
	now     func() time.Time
}

type Deps struct {
	Wallets   Wallets
	Runs      Runs
	Gateway   *session.Gateway
	Health    map[string]HealthChecker
	JWTSecret []byte
	Logger    zerolog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		wallets: d.Wallets,
		runs:    d.Runs,
		gateway: d.Gateway,
		health:  d.Health,
		secret:  d.JWTSecret,
		log:     d.Logger.With().Str("component", "api").Logger(),
		now:     time.Now,
	}
}

// Router wires the HTTP surface the chat transport talks to.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(MaxBodySize(maxBodyBytes))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.RequireToken)

		r.Post("/wallets", s.handleCreateWallet)
		r.Get("/wallets/me", s.handleWalletInfo)
		r.Post("/wallets/me/passcode", s.handleChangePasscode)
		r.Get("/wallets/me/balances", s.handleWalletBalances)

		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/resume", s.handleResumeRun)
		r.Get("/runs/{id}/status", s.handleRunStatus)

		r.Get("/limits", s.handleLimits)
	})
	return r
}

// event turns the authenticated request into a chat event for the gateway.
func event(r *http.Request) session.Event {
	c, _ := claimsFrom(r.Context())
	return session.Event{IdentityID: c.Subject, DisplayName: c.Name, ChatID: c.ChatID}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return clierr.New(clierr.CodeUsage, "request body too large")
		}
		if errors.Is(err, io.EOF) {
			return clierr.New(clierr.CodeUsage, "request body is required")
		}
		return clierr.Wrap(clierr.CodeUsage, "invalid request body", err)
	}
	return nil
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, status int, data any) {
	env := out.Success(routePattern(r), data, nil, model.CacheStatus{Status: "bypass"}, s.now())
	env.Meta.RequestID = requestID(r, env.Meta.RequestID)
	env.Meta.Identity = identityOf(r)
	writeJSON(w, status, env)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, data any) {
	env := out.Failure(routePattern(r), err, data, s.now())
	env.Meta.RequestID = requestID(r, env.Meta.RequestID)
	env.Meta.Identity = identityOf(r)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("route", routePattern(r)).Msg("request failed")
	}
	if clierr.Is(err, clierr.CodeRateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfter(r)))
	}
	writeJSON(w, status, env)
}

// retryAfter is the number of whole seconds until the caller's rate window
// resets, never less than one.
func (s *Server) retryAfter(r *http.Request) int {
	if s.gateway == nil {
		return 1
	}
	info, err := s.gateway.Limits(r.Context(), identityOf(r))
	if err != nil {
		return 1
	}
	wait := info.ResetAt.Sub(s.now())
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func requestID(r *http.Request, fallback string) string {
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	return fallback
}

func identityOf(r *http.Request) string {
	c, _ := claimsFrom(r.Context())
	return c.Subject
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error code to the HTTP status returned to the transport.
func StatusFor(err error) int {
	cErr, ok := clierr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch cErr.Code {
	case clierr.CodeUsage:
		return http.StatusBadRequest
	case clierr.CodeAuth, clierr.CodeIdentity:
		return http.StatusUnauthorized
	case clierr.CodeBlocked:
		return http.StatusForbidden
	case clierr.CodeNotFound:
		return http.StatusNotFound
	case clierr.CodeInvalidRunState, clierr.CodeWalletExists, clierr.CodeStale:
		return http.StatusConflict
	case clierr.CodeRunExpired:
		return http.StatusGone
	case clierr.CodeQuoteUnavailable:
		return http.StatusUnprocessableEntity
	case clierr.CodeRateLimited:
		return http.StatusTooManyRequests
	case clierr.CodeUnsupported:
		return http.StatusNotImplemented
	case clierr.CodeUnavailable, clierr.CodeUpstreamAuth:
		return http.StatusBadGateway
	case clierr.CodeUpstreamRateLimited:
		return http.StatusServiceUnavailable
	case clierr.CodeActionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
