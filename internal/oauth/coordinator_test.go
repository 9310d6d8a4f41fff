package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nghyane/qwen-proxy/internal/auth/qwen"
	"github.com/nghyane/qwen-proxy/internal/config"
	"github.com/nghyane/qwen-proxy/internal/util"
)

// fakeUpstream serves the device-code and token endpoints. tokenHandler is
// swappable between polls.
type fakeUpstream struct {
	srv          *httptest.Server
	tokenHandler atomic.Value // http.HandlerFunc
	tokenHits    atomic.Int64
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.tokenHandler.Store(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"authorization_pending"}`))
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/oauth2/device/code", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"device_code":"dc-1",
			"user_code":"ABCD-EFGH",
			"verification_uri":"https://chat.qwen.ai/activate",
			"verification_uri_complete":"https://chat.qwen.ai/activate?code=ABCD-EFGH",
			"expires_in":600,
			"interval":2
		}`))
	})
	mux.HandleFunc("/api/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		f.tokenHandler.Load().(http.HandlerFunc)(w, r)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) setTokenResponse(h http.HandlerFunc) { f.tokenHandler.Store(h) }

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeUpstream) {
	t.Helper()
	f := newFakeUpstream(t)
	cfg := &config.Config{OAuthBaseURL: f.srv.URL, OAuthClientID: "client-id", OAuthScope: "openid"}
	return NewCoordinator(qwen.NewClient(cfg, nil)), f
}

func TestInit_RegistersState(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	res, err := coord.Init(context.Background())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if len(res.StateID) != 32 {
		t.Errorf("expected 32-char state id, got %q", res.StateID)
	}
	if res.UserCode != "ABCD-EFGH" {
		t.Errorf("unexpected user code %q", res.UserCode)
	}
	if !strings.Contains(res.VerificationURIComplete, res.UserCode) {
		t.Errorf("verification uri complete should embed the user code: %q", res.VerificationURIComplete)
	}
	if res.ExpiresAt <= util.NowMillis() {
		t.Errorf("expected future expiry, got %d", res.ExpiresAt)
	}
	if coord.StateCount() != 1 {
		t.Errorf("expected 1 pending state, got %d", coord.StateCount())
	}
}

func TestPoll_FullFlow(t *testing.T) {
	coord, f := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Init(ctx)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// First poll: still pending.
	pending, err := coord.Poll(ctx, res.StateID)
	if err != nil {
		t.Fatalf("pending poll failed: %v", err)
	}
	if pending.Success || pending.Status != "pending" {
		t.Fatalf("expected pending result, got %+v", pending)
	}
	if pending.RemainingTime <= 0 {
		t.Errorf("expected positive remaining time, got %d", pending.RemainingTime)
	}

	// User finishes authorization.
	f.setTokenResponse(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"acc","refresh_token":"RRRRRRRR_rest","expires_in":3600}`))
	})

	done, err := coord.Poll(ctx, res.StateID)
	if err != nil {
		t.Fatalf("success poll failed: %v", err)
	}
	if !done.Success || done.Token == nil {
		t.Fatalf("expected success with token, got %+v", done)
	}
	if done.Token.ID != "RRRRRRRR" {
		t.Errorf("expected token id RRRRRRRR, got %q", done.Token.ID)
	}
	if done.Token.UploadedAt == 0 || done.Token.ExpiresAt <= done.Token.UploadedAt {
		t.Errorf("token timestamps not set: %+v", done.Token)
	}

	// State is gone after success.
	if _, err := coord.Poll(ctx, res.StateID); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound after success, got %v", err)
	}
}

func TestPoll_UnknownState(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if _, err := coord.Poll(context.Background(), "nope"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
}

func TestPoll_SlowDownGrowsInterval(t *testing.T) {
	coord, f := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Init(ctx)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	f.setTokenResponse(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow_down"}`))
	})

	pr, err := coord.Poll(ctx, res.StateID)
	if err != nil {
		t.Fatalf("slow_down poll failed: %v", err)
	}
	if pr.PollInterval != 3 {
		t.Errorf("expected interval 2*1.5=3, got %v", pr.PollInterval)
	}

	// Repeated slow_down responses cap the interval at 10s.
	for i := 0; i < 10; i++ {
		pr, err = coord.Poll(ctx, res.StateID)
		if err != nil {
			t.Fatalf("slow_down poll %d failed: %v", i, err)
		}
	}
	if pr.PollInterval != 10 {
		t.Errorf("expected interval capped at 10, got %v", pr.PollInterval)
	}
}

func TestPoll_WarnWindowSkipsUpstream(t *testing.T) {
	coord, f := newTestCoordinator(t)
	now := util.NowMillis()

	coord.mu.Lock()
	coord.states["warn"] = &deviceState{
		deviceCode:   "dc-1",
		codeVerifier: "v",
		expiresAt:    now + 30_000, // inside the 60s warn window
		pollInterval: 2,
	}
	coord.mu.Unlock()

	pr, err := coord.Poll(context.Background(), "warn")
	if err != nil {
		t.Fatalf("warn-window poll failed: %v", err)
	}
	if pr.Success || pr.Status != "pending" || pr.Warning == "" {
		t.Fatalf("expected pending with warning, got %+v", pr)
	}
	if f.tokenHits.Load() != 0 {
		t.Errorf("warn-window poll must not contact upstream, got %d calls", f.tokenHits.Load())
	}
}

func TestPoll_ExpiredPastGraceEvicts(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	now := util.NowMillis()

	coord.mu.Lock()
	coord.states["old"] = &deviceState{
		deviceCode:   "dc-1",
		codeVerifier: "v",
		expiresAt:    now - 20_000, // past expiry plus the 10s grace
		pollInterval: 2,
	}
	coord.mu.Unlock()

	if _, err := coord.Poll(context.Background(), "old"); !errors.Is(err, ErrDeviceCodeExpired) {
		t.Fatalf("expected ErrDeviceCodeExpired, got %v", err)
	}
	if coord.StateCount() != 0 {
		t.Errorf("expired state should be evicted, %d remain", coord.StateCount())
	}
}

func TestPoll_TerminalErrorEvicts(t *testing.T) {
	coord, f := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Init(ctx)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	f.setTokenResponse(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"denied"}`))
	})

	if _, err := coord.Poll(ctx, res.StateID); err == nil {
		t.Fatal("expected terminal error")
	}
	if coord.StateCount() != 0 {
		t.Errorf("terminal failure should evict the state, %d remain", coord.StateCount())
	}
}

func TestCancel_Idempotent(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Init(ctx)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	coord.Cancel(res.StateID)
	coord.Cancel(res.StateID) // second cancel is a no-op
	coord.Cancel("unknown")

	if coord.StateCount() != 0 {
		t.Errorf("expected no pending states, got %d", coord.StateCount())
	}
}
