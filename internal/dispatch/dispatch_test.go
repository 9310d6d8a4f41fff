package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nghyane/qwen-proxy/internal/auth/qwen"
	"github.com/nghyane/qwen-proxy/internal/config"
	"github.com/nghyane/qwen-proxy/internal/pool"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
	"github.com/tidwall/gjson"
)

func newTestDispatcher(t *testing.T, upstream http.HandlerFunc) (*Dispatcher, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		APIEndpoint:   srv.URL,
		OAuthBaseURL:  srv.URL,
		OAuthClientID: "client-id",
	}
	p := pool.New(st, qwen.NewClient(cfg, nil), time.UTC)
	ua := func(ctx context.Context) string { return "QwenCode/0.0.10 (linux; x64)" }

	d := New(cfg, p, st, time.UTC, ua)
	return d, st
}

func addValidToken(t *testing.T, d *Dispatcher) store.Token {
	t.Helper()
	token := store.Token{
		ID:           "tok12345",
		AccessToken:  "access-1",
		RefreshToken: "tok12345_refresh",
		ExpiresAt:    util.NowMillis() + time.Hour.Milliseconds(),
	}
	if err := d.pool.Upsert(context.Background(), token); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return token
}

func TestPrepareBody_Defaults(t *testing.T) {
	d, _ := newTestDispatcher(t, func(http.ResponseWriter, *http.Request) {})

	in := []byte(`{"messages":[{"role":"user","content":"hello"}],"custom":"kept"}`)
	out, model, err := d.prepareBody(in, false)
	if err != nil {
		t.Fatalf("prepareBody failed: %v", err)
	}
	if model != DefaultModel {
		t.Errorf("expected default model, got %q", model)
	}
	if gjson.GetBytes(out, "model").String() != DefaultModel {
		t.Errorf("model not written into body: %s", out)
	}
	if gjson.GetBytes(out, "temperature").Float() != 0.5 {
		t.Errorf("temperature default missing: %s", out)
	}
	if gjson.GetBytes(out, "top_p").Float() != 1 {
		t.Errorf("top_p default missing: %s", out)
	}
	if gjson.GetBytes(out, "stream").Bool() {
		t.Errorf("stream should be false: %s", out)
	}
	if gjson.GetBytes(out, "custom").String() != "kept" {
		t.Errorf("extra client fields must survive: %s", out)
	}
}

func TestPrepareBody_ClientValuesWin(t *testing.T) {
	d, _ := newTestDispatcher(t, func(http.ResponseWriter, *http.Request) {})

	in := []byte(`{"model":"my-model","temperature":0.9,"messages":[{"role":"user","content":"x"}]}`)
	out, model, err := d.prepareBody(in, true)
	if err != nil {
		t.Fatalf("prepareBody failed: %v", err)
	}
	if model != "my-model" {
		t.Errorf("client model overridden: %q", model)
	}
	if gjson.GetBytes(out, "temperature").Float() != 0.9 {
		t.Errorf("client temperature overridden: %s", out)
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Errorf("stream should be true: %s", out)
	}
}

func TestPrepareBody_RejectsMissingMessages(t *testing.T) {
	d, _ := newTestDispatcher(t, func(http.ResponseWriter, *http.Request) {})

	for _, in := range []string{`{}`, `{"messages":[]}`, `{"messages":"nope"}`} {
		if _, _, err := d.prepareBody([]byte(in), false); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest for %s, got %v", in, err)
		}
	}
}

func TestForward_Buffered(t *testing.T) {
	upstream := []byte(`{"id":"chatcmpl-1","choices":[{"message":{"content":"hi"}}],"usage":{"total_tokens":42}}`)
	var gotAuth, gotAccept string
	d, st := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write(upstream)
	})
	addValidToken(t, d)

	got, err := d.Forward(context.Background(), []byte(`{"messages":[{"role":"user","content":"hello"}]}`))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !bytes.Equal(got, upstream) {
		t.Errorf("upstream body not returned verbatim: %s", got)
	}
	if gotAuth != "Bearer access-1" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("unexpected Accept header %q", gotAccept)
	}

	// usage.total_tokens drives accounting.
	today := util.LocalTodayISO(time.UTC)
	stats, err := st.ReadUsage(context.Background(), today)
	if err != nil {
		t.Fatalf("ReadUsage failed: %v", err)
	}
	if len(stats) != 1 || stats[0].TotalTokens != 42 || stats[0].CallCount != 1 {
		t.Errorf("unexpected usage rows: %+v", stats)
	}
	if stats[0].Model != DefaultModel {
		t.Errorf("usage recorded for model %q", stats[0].Model)
	}

	tokens, _ := st.LoadAllTokens(context.Background())
	if tokens["tok12345"].UsageCount != 1 {
		t.Errorf("token call count not bumped: %+v", tokens["tok12345"])
	}
}

func TestForward_NoValidToken(t *testing.T) {
	d, _ := newTestDispatcher(t, func(http.ResponseWriter, *http.Request) {})

	_, err := d.Forward(context.Background(), []byte(`{"messages":[{"role":"user","content":"x"}]}`))
	if !errors.Is(err, ErrNoValidToken) {
		t.Errorf("expected ErrNoValidToken, got %v", err)
	}
}

func TestForward_UpstreamError(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	})
	addValidToken(t, d)

	_, err := d.Forward(context.Background(), []byte(`{"messages":[{"role":"user","content":"x"}]}`))
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", upstream.Status)
	}
	if upstream.Error() != "API error: 502" {
		t.Errorf("unexpected error string %q", upstream.Error())
	}
}

func TestStream_VerbatimRelayAndDedupAccounting(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n" +
		"\n" +
		"data: [DONE]\n"
	var gotAccept string
	d, st := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	})
	addValidToken(t, d)

	body := []byte(`{"messages":[{"role":"user","content":"hello"}],"stream":true}`)
	stream, err := d.OpenStream(context.Background(), body)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	var out bytes.Buffer
	if err := stream.Copy(&out); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	// Every byte reaches the client, duplicates included.
	if out.String() != sse {
		t.Errorf("stream not relayed verbatim:\ngot  %q\nwant %q", out.String(), sse)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("unexpected Accept header %q", gotAccept)
	}

	// Accounting counts the duplicate delta once.
	prepared, _, _ := d.prepareBody(body, true)
	want := d.estimatePromptTokens(prepared) + d.countTokens("hi")

	stats, err := st.ReadUsage(context.Background(), util.LocalTodayISO(time.UTC))
	if err != nil {
		t.Fatalf("ReadUsage failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one usage row, got %+v", stats)
	}
	if stats[0].TotalTokens != want {
		t.Errorf("expected %d tokens accounted, got %d", want, stats[0].TotalTokens)
	}
	if stats[0].CallCount != 1 {
		t.Errorf("expected exactly one accounted call, got %d", stats[0].CallCount)
	}
}

func TestStream_UsesReportedUsageWhenPresent(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n" +
		"data: {\"choices\":[],\"usage\":{\"total_tokens\":77}}\n" +
		"data: [DONE]\n"
	d, st := newTestDispatcher(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sse))
	})
	addValidToken(t, d)

	stream, err := d.OpenStream(context.Background(), []byte(`{"messages":[{"role":"user","content":"x"}],"stream":true}`))
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	var out bytes.Buffer
	if err := stream.Copy(&out); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	stats, _ := st.ReadUsage(context.Background(), util.LocalTodayISO(time.UTC))
	if len(stats) != 1 || stats[0].TotalTokens != 77 {
		t.Errorf("expected reported usage 77, got %+v", stats)
	}
}

func TestOpenStream_UpstreamErrorBeforeBody(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	addValidToken(t, d)

	_, err := d.OpenStream(context.Background(), []byte(`{"messages":[{"role":"user","content":"x"}],"stream":true}`))
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusTooManyRequests {
		t.Errorf("expected 429 UpstreamError, got %v", err)
	}
}

func TestEstimatePromptTokens_MultimodalContent(t *testing.T) {
	d, _ := newTestDispatcher(t, func(http.ResponseWriter, *http.Request) {})

	plain := []byte(`{"messages":[{"role":"user","content":"some words here"}]}`)
	parts := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"some words here"},{"type":"image_url","image_url":{"url":"data:..."}}]}]}`)

	if d.estimatePromptTokens(plain) == 0 {
		t.Error("expected non-zero estimate for plain content")
	}
	if d.estimatePromptTokens(plain) != d.estimatePromptTokens(parts) {
		t.Errorf("text parts should count like plain text: %d vs %d",
			d.estimatePromptTokens(plain), d.estimatePromptTokens(parts))
	}
}
