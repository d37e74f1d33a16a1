package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoBodyJSONReplaysBodyOnRetry(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		if !strings.Contains(string(buf[:n]), `"k":"v"`) {
			t.Errorf("missing request body on attempt %d", atomic.LoadInt32(&count)+1)
		}
		if atomic.AddInt32(&count, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out map[string]any
	_, err := DoBodyJSON(context.Background(), New(2*time.Second, 1), http.MethodPost, srv.URL, []byte(`{"k":"v"}`), nil, &out)
	if err != nil {
		t.Fatalf("DoBodyJSON failed: %v", err)
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected two attempts, got %d", count)
	}
}

func TestDoJSONMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		code   clierr.Code
	}{
		{http.StatusUnauthorized, clierr.CodeUpstreamAuth},
		{http.StatusForbidden, clierr.CodeUpstreamAuth},
		{http.StatusTooManyRequests, clierr.CodeUpstreamRateLimited},
		{http.StatusBadGateway, clierr.CodeUnavailable},
		{http.StatusBadRequest, clierr.CodeUnsupported},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		client := New(2*time.Second, 0).Named("jupiter")
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		_, err := client.DoJSON(context.Background(), req, &map[string]any{})
		srv.Close()
		if !clierr.Is(err, tc.code) {
			t.Fatalf("status %d: expected code %d, got %v", tc.status, tc.code, err)
		}
		if !strings.Contains(err.Error(), "jupiter") {
			t.Fatalf("status %d: expected service name in error, got %v", tc.status, err)
		}
	}
}
