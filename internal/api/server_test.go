package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/execution"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/logging"
	"github.com/ggonzalez94/swapvault/internal/model"
	"github.com/ggonzalez94/swapvault/internal/ratelimit"
	"github.com/ggonzalez94/swapvault/internal/session"
	"github.com/ggonzalez94/swapvault/internal/signer"
	"github.com/ggonzalez94/swapvault/internal/solana"
	"github.com/ggonzalez94/swapvault/internal/vault"
	"github.com/ggonzalez94/swapvault/internal/wallet"
)

var testSecret = []byte("test-jwt-secret")

// ledgerStub signs nothing; it checks the passcode against the wallet
// service so the HTTP flow exercises real decryption.
type ledgerStub struct {
	wallets     *wallet.Service
	submissions atomic.Int32
}

func (l *ledgerStub) PrepareQuote(_ context.Context, ticker, amount string, direction id.Direction) (signer.Quote, error) {
	in, out, err := id.Route(ticker, direction)
	if err != nil {
		return signer.Quote{}, err
	}
	return signer.Quote{Ticker: ticker, Direction: direction, Amount: amount, InputAsset: in, OutputAsset: out, ExpectedOut: "0.04", FetchedAt: time.Now()}, nil
}

func (l *ledgerStub) IsStale(signer.Quote) bool { return false }

func (l *ledgerStub) Submit(ctx context.Context, _ signer.Quote, identityID, passcode string) (string, error) {
	kp, err := l.wallets.Unlock(ctx, identityID, passcode)
	if err != nil {
		return "", err
	}
	kp.Wipe()
	l.submissions.Add(1)
	return "5igSig", nil
}

func (l *ledgerStub) AwaitConfirmation(context.Context, string) (solana.Status, error) {
	return solana.StatusConfirmed, nil
}

func (l *ledgerStub) ConfirmationStatus(context.Context, string) (solana.Status, error) {
	return solana.StatusConfirmed, nil
}

type balanceStub struct{}

func (balanceStub) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	return 2_000_000_000, nil
}

func (balanceStub) GetTokenAccountsByOwner(context.Context, solana.PublicKey) ([]solana.TokenBalance, error) {
	return []solana.TokenBalance{{Account: "acct", Mint: id.USDCMint, Amount: "1250000", Decimals: 6}}, nil
}

type healthStub struct{ err error }

func (h healthStub) GetHealth(context.Context) error { return h.err }

type testEnv struct {
	server *httptest.Server
	ledger *ledgerStub
}

func newTestEnv(t *testing.T, rateMax int, health map[string]HealthChecker) *testEnv {
	t.Helper()
	return newTestEnvWindow(t, rateMax, time.Minute, health)
}

func newTestEnvWindow(t *testing.T, rateMax int, window time.Duration, health map[string]HealthChecker) *testEnv {
	t.Helper()
	key := bytes.Repeat([]byte{7}, vault.KeySize)
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	wallets := wallet.NewService(wallet.NewMemoryStore(), v, logging.Nop(), wallet.WithBalanceReader(balanceStub{}))
	ledger := &ledgerStub{wallets: wallets}
	machine := execution.NewMachine(execution.NewMemoryStore(), ledger, execution.Options{}, logging.Nop())
	gateway := session.NewGateway(ratelimit.New(ratelimit.NewMemoryStore(), rateMax, window), logging.Nop())

	srv := NewServer(Deps{
		Wallets:   wallets,
		Runs:      machine,
		Gateway:   gateway,
		Health:    health,
		JWTSecret: testSecret,
		Logger:    logging.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, ledger: ledger}
}

func (e *testEnv) do(t *testing.T, method, path, identityID string, body any) (int, model.Envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if identityID != "" {
		token, err := IssueToken(testSecret, identityID, "Alice", "chat-1", time.Hour)
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var env model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func dataMap(t *testing.T, env model.Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %T", env.Data)
	}
	return m
}

func TestTradeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, 100, nil)

	status, resp := env.do(t, http.MethodPost, "/v1/wallets", "alice", map[string]string{"passcode": "4821"})
	if status != http.StatusCreated || !resp.Success {
		t.Fatalf("create wallet: %d %+v", status, resp.Error)
	}
	if resp.Meta.Identity != "alice" {
		t.Fatalf("expected identity in meta, got %q", resp.Meta.Identity)
	}

	status, resp = env.do(t, http.MethodPost, "/v1/wallets", "alice", map[string]string{"passcode": "9999"})
	if status != http.StatusConflict || resp.Error.Type != "wallet_exists" {
		t.Fatalf("expected conflict, got %d %+v", status, resp.Error)
	}

	status, resp = env.do(t, http.MethodPost, "/v1/runs", "alice", map[string]string{"ticker": "TSLA", "amount": "10", "direction": "buy"})
	if status != http.StatusCreated {
		t.Fatalf("start run: %d %+v", status, resp.Error)
	}
	run := dataMap(t, resp)
	runID, _ := run["run_id"].(string)
	if run["state"] != string(execution.StateAwaitingPasscode) || runID == "" {
		t.Fatalf("unexpected run: %+v", run)
	}

	status, resp = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", "alice", map[string]string{"passcode": "0000"})
	if status != http.StatusUnauthorized || resp.Error.Type != "authentication_error" {
		t.Fatalf("expected auth failure, got %d %+v", status, resp.Error)
	}
	if res := dataMap(t, resp); res["state"] != string(execution.StateAwaitingPasscode) {
		t.Fatalf("expected run still awaiting, got %+v", res)
	}

	status, resp = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", "alice", map[string]string{"passcode": "4821"})
	if status != http.StatusOK {
		t.Fatalf("resume: %d %+v", status, resp.Error)
	}
	res := dataMap(t, resp)
	if res["state"] != string(execution.StateConfirmed) || res["tx_hash"] != "5igSig" || res["success"] != true {
		t.Fatalf("unexpected result: %+v", res)
	}

	status, resp = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", "alice", map[string]string{"passcode": "4821"})
	if status != http.StatusConflict || resp.Error.Type != "invalid_run_state" {
		t.Fatalf("expected conflict on terminal resume, got %d %+v", status, resp.Error)
	}
	if n := env.ledger.submissions.Load(); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}

	status, resp = env.do(t, http.MethodGet, "/v1/runs?state=confirmed", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %+v", status, resp.Error)
	}
	if runs, _ := resp.Data.([]any); len(runs) != 1 {
		t.Fatalf("expected one confirmed run, got %+v", resp.Data)
	}

	status, _ = env.do(t, http.MethodGet, "/v1/runs/"+runID, "bob", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected other identity to get 404, got %d", status)
	}
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	status, resp := env.do(t, http.MethodGet, "/v1/wallets/me", "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 before wallet exists, got %d %+v", status, resp.Error)
	}
	env.do(t, http.MethodPost, "/v1/wallets", "alice", map[string]string{"passcode": "4821"})

	status, resp = env.do(t, http.MethodPost, "/v1/wallets/me/passcode", "alice", map[string]string{"old_passcode": "4821", "new_passcode": "7777"})
	if status != http.StatusOK {
		t.Fatalf("change passcode: %d %+v", status, resp.Error)
	}
	status, resp = env.do(t, http.MethodGet, "/v1/wallets/me", "alice", nil)
	if status != http.StatusOK || dataMap(t, resp)["public_key"] == "" {
		t.Fatalf("wallet info: %d %+v", status, resp)
	}
	if strings.Contains(mustJSON(t, resp.Data), "encrypted") {
		t.Fatalf("wallet info must not expose the sealed secret: %+v", resp.Data)
	}

	status, resp = env.do(t, http.MethodGet, "/v1/wallets/me/balances", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("balances: %d %+v", status, resp.Error)
	}
	balances := dataMap(t, resp)
	tokens, _ := balances["tokens"].([]any)
	if balances["sol"] != "2" || len(tokens) != 1 {
		t.Fatalf("unexpected balances: %+v", balances)
	}
	if usdc, _ := tokens[0].(map[string]any); usdc["symbol"] != "USDC" || usdc["amount"] != "1.25" {
		t.Fatalf("unexpected holding: %+v", tokens[0])
	}
	if status, _ := env.do(t, http.MethodGet, "/v1/wallets/me/balances", "bob", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for identity without wallet, got %d", status)
	}
}

func TestRequestsRequireToken(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	status, resp := env.do(t, http.MethodGet, "/v1/runs", "", nil)
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Type != "authentication_error" {
		t.Fatalf("expected 401, got %d %+v", status, resp.Error)
	}

	forged, _ := IssueToken([]byte("other-secret"), "alice", "", "", time.Hour)
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = r.Body.Close()
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected forged token to be rejected, got %d", r.StatusCode)
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: issuer}})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ParseToken(testSecret, signed); !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}

	noExpiry, _ := IssueToken(testSecret, "alice", "", "", 0)
	if _, err := ParseToken(testSecret, noExpiry); err != nil {
		t.Fatalf("non-positive ttl issues a token without expiry: %v", err)
	}
}

func TestRateLimitedRequestsAreRejected(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	for i := 0; i < 2; i++ {
		if status, _ := env.do(t, http.MethodGet, "/v1/runs", "alice", nil); status != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, status)
		}
	}
	status, resp := env.do(t, http.MethodPost, "/v1/wallets", "alice", map[string]string{"passcode": "4821"})
	if status != http.StatusTooManyRequests || resp.Error.Type != "rate_limit_exceeded" {
		t.Fatalf("expected 429, got %d %+v", status, resp.Error)
	}
	status, _ = env.do(t, http.MethodGet, "/v1/wallets/me", "alice", nil)
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected wallet info to be rate limited, got %d", status)
	}

	status, resp = env.do(t, http.MethodGet, "/v1/limits", "alice", nil)
	if status != http.StatusOK || dataMap(t, resp)["remaining"] != float64(0) {
		t.Fatalf("unexpected limits: %d %+v", status, resp.Data)
	}
	if status, _ := env.do(t, http.MethodGet, "/v1/runs", "bob", nil); status != http.StatusOK {
		t.Fatalf("bob has a separate window, got %d", status)
	}
}

func TestRetryAfterFollowsRateWindow(t *testing.T) {
	env := newTestEnvWindow(t, 1, 5*time.Minute, nil)
	if status, _ := env.do(t, http.MethodGet, "/v1/runs", "alice", nil); status != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", status)
	}
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/runs", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	token, _ := IssueToken(testSecret, "alice", "", "", time.Hour)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 60 || secs > 300 {
		t.Fatalf("expected Retry-After within the 5m window, got %q", resp.Header.Get("Retry-After"))
	}
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	status, resp := env.do(t, http.MethodPost, "/v1/runs", "alice", map[string]string{"ticker": "TSLA", "amount": "10", "direction": "hold"})
	if status != http.StatusBadRequest || resp.Error.Type != "usage_error" {
		t.Fatalf("expected usage error, got %d %+v", status, resp.Error)
	}
	status, resp = env.do(t, http.MethodPost, "/v1/runs", "alice", map[string]string{"ticker": "NOPE", "amount": "10", "direction": "buy"})
	if status != http.StatusUnprocessableEntity || resp.Error.Type != "quote_unavailable" {
		t.Fatalf("expected quote unavailable, got %d %+v", status, resp.Error)
	}
	status, _ = env.do(t, http.MethodPost, "/v1/wallets", "alice", map[string]any{"passcode": "4821", "extra": true})
	if status != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", status)
	}
	status, _ = env.do(t, http.MethodGet, "/v1/runs?limit=0", "alice", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected bad limit to be rejected, got %d", status)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 100, map[string]HealthChecker{"solana": healthStub{}, "jupiter": healthStub{err: errors.New("down")}})
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	defer resp.Body.Close()
	var h model.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || h.Status != "degraded" || len(h.Providers) != 2 {
		t.Fatalf("unexpected health: %d %+v", resp.StatusCode, h)
	}
	if h.Providers[0].Name != "jupiter" || h.Providers[0].Status != "unavailable" {
		t.Fatalf("unexpected provider order/status: %+v", h.Providers)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[clierr.Code]int{
		clierr.CodeUsage:               http.StatusBadRequest,
		clierr.CodeRateLimited:         http.StatusTooManyRequests,
		clierr.CodeInvalidRunState:     http.StatusConflict,
		clierr.CodeRunExpired:          http.StatusGone,
		clierr.CodeUnavailable:         http.StatusBadGateway,
		clierr.CodeUpstreamAuth:        http.StatusBadGateway,
		clierr.CodeAuth:                http.StatusUnauthorized,
		clierr.CodeUpstreamRateLimited: http.StatusServiceUnavailable,
		clierr.CodeActionTimeout:       http.StatusGatewayTimeout,
		clierr.CodeSigner:              http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(clierr.New(code, "x")); got != want {
			t.Fatalf("code %d: got %d want %d", code, got, want)
		}
	}
	if StatusFor(errors.New("plain")) != http.StatusInternalServerError {
		t.Fatal("untyped errors map to 500")
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(buf)
}
