// Package dispatch forwards chat completion requests to the upstream API
// using a pool credential, in buffered or SSE streaming mode, and records
// per-day usage counters after each call.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nghyane/qwen-proxy/internal/config"
	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/pool"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/tiktoken-go/tokenizer"
)

const (
	// DefaultModel fills in requests that omit one.
	DefaultModel = "qwen3-coder-plus"

	defaultTemperature = 0.5
	defaultTopP        = 1.0

	requestTimeout = 30 * time.Second
	dialTimeout    = 5 * time.Second
)

var (
	// ErrNoValidToken reports an empty or fully-expired pool.
	ErrNoValidToken = errors.New("no valid token available")
	// ErrInvalidRequest reports a request body the upstream would reject
	// outright, such as a missing messages array.
	ErrInvalidRequest = errors.New("messages is required and must be a non-empty array")
)

// UpstreamError carries a non-2xx upstream status through to the handler.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API error: %d", e.Status)
}

// Dispatcher owns the pooled HTTP client used for all chat traffic.
type Dispatcher struct {
	cfg       *config.Config
	pool      *pool.Pool
	store     *store.Store
	loc       *time.Location
	userAgent func(ctx context.Context) string

	httpClient *http.Client
	codec      tokenizer.Codec
}

// New builds a Dispatcher. userAgent resolves the upstream User-Agent per
// request so version updates take effect without restarts.
func New(cfg *config.Config, p *pool.Pool, st *store.Store, loc *time.Location, userAgent func(ctx context.Context) string) *Dispatcher {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// Count falls back to a length heuristic when the codec is nil.
		log.Warnf("tokenizer unavailable, using length heuristic: %v", err)
	}
	return &Dispatcher{
		cfg:       cfg,
		pool:      p,
		store:     st,
		loc:       loc,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		codec: codec,
	}
}

// prepareBody validates the raw request and fills in defaults without
// disturbing any other fields the client sent.
func (d *Dispatcher) prepareBody(body []byte, stream bool) ([]byte, string, error) {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, "", ErrInvalidRequest
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = DefaultModel
		body, _ = sjson.SetBytes(body, "model", model)
	}
	if !gjson.GetBytes(body, "temperature").Exists() {
		body, _ = sjson.SetBytes(body, "temperature", defaultTemperature)
	}
	if !gjson.GetBytes(body, "top_p").Exists() {
		body, _ = sjson.SetBytes(body, "top_p", defaultTopP)
	}
	body, _ = sjson.SetBytes(body, "stream", stream)

	return body, model, nil
}

// countTokens estimates the token length of text. Falls back to the
// chars/4 heuristic when the codec is unavailable.
func (d *Dispatcher) countTokens(text string) int64 {
	if d.codec != nil {
		if n, err := d.codec.Count(text); err == nil {
			return int64(n)
		}
	}
	return int64(len(text) / 4)
}

// estimatePromptTokens sums the token counts of every message content.
// Array-form content (multimodal parts) contributes its text parts.
func (d *Dispatcher) estimatePromptTokens(body []byte) int64 {
	var total int64
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			total += d.countTokens(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if txt := part.Get("text"); txt.Exists() {
					total += d.countTokens(txt.String())
				}
				return true
			})
		}
		return true
	})
	return total
}

func (d *Dispatcher) send(ctx context.Context, body []byte, token store.Token, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("User-Agent", d.userAgent(ctx))
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		log.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(string(errBody), 512))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}

// account commits one call's usage: per-day/per-model token counters plus
// the serving token's call count. Failures only log.
func (d *Dispatcher) account(model, tokenID string, totalTokens int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	date := util.LocalTodayISO(d.loc)
	if err := d.store.IncrementUsage(ctx, date, model, totalTokens); err != nil {
		log.Errorf("failed to record usage: %v", err)
	}
	if err := d.store.IncrementTokenCallCount(ctx, tokenID); err != nil {
		log.Errorf("failed to bump token call count: %v", err)
	}
}

// Forward runs one buffered (non-streaming) chat completion and returns
// the upstream JSON verbatim.
func (d *Dispatcher) Forward(ctx context.Context, rawBody []byte) ([]byte, error) {
	body, model, err := d.prepareBody(rawBody, false)
	if err != nil {
		return nil, err
	}

	token, ok := d.pool.SelectValid(ctx)
	if !ok {
		return nil, ErrNoValidToken
	}

	resp, err := d.send(ctx, body, token, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	total := gjson.GetBytes(respBody, "usage.total_tokens").Int()
	if total == 0 {
		total = d.estimatePromptTokens(body)
	}
	d.account(model, token.ID, total)

	return respBody, nil
}

// Stream is one in-flight SSE response. The upstream connection is already
// established and its status verified; Copy relays the event stream.
type Stream struct {
	d            *Dispatcher
	resp         *http.Response
	model        string
	tokenID      string
	promptTokens int64
}

// OpenStream selects a credential and performs the streaming request
// pre-flight. Errors before any byte reaches the client, so the handler
// can still answer with a JSON error body.
func (d *Dispatcher) OpenStream(ctx context.Context, rawBody []byte) (*Stream, error) {
	body, model, err := d.prepareBody(rawBody, true)
	if err != nil {
		return nil, err
	}

	token, ok := d.pool.SelectValid(ctx)
	if !ok {
		return nil, ErrNoValidToken
	}

	resp, err := d.send(ctx, body, token, true)
	if err != nil {
		return nil, err
	}

	return &Stream{
		d:            d,
		resp:         resp,
		model:        model,
		tokenID:      token.ID,
		promptTokens: d.estimatePromptTokens(body),
	}, nil
}

// Copy relays the SSE stream to w line by line, flushing after each write
// when w supports it. Every upstream byte is forwarded verbatim; delta
// parsing feeds accounting only. Usage is committed once the stream ends,
// including on client disconnect part-way through.
func (s *Stream) Copy(w io.Writer) error {
	defer s.resp.Body.Close()

	flusher, _ := w.(http.Flusher)

	var (
		completionTokens int64
		reportedTotal    int64
		lastDelta        string
		dedupCount       int
	)

	defer func() {
		total := reportedTotal
		if total == 0 {
			total = s.promptTokens + completionTokens
		}
		if dedupCount > 0 {
			log.Debugf("skipped %d duplicate stream deltas in accounting", dedupCount)
		}
		s.d.account(s.model, s.tokenID, total)
	}()

	reader := bufio.NewReader(s.resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if _, werr := io.WriteString(w, line); werr != nil {
				return fmt.Errorf("client write failed: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}

			payload, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data:")
			if ok {
				payload = strings.TrimSpace(payload)
				if payload != "" && payload != "[DONE]" {
					if t := gjson.Get(payload, "usage.total_tokens"); t.Exists() {
						reportedTotal = t.Int()
					}
					delta := gjson.Get(payload, "choices.0.delta.content").String()
					if delta != "" {
						// Upstream occasionally repeats a chunk; count it once.
						if delta == lastDelta {
							dedupCount++
						} else {
							completionTokens += s.d.countTokens(delta)
							lastDelta = delta
						}
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("upstream stream read failed: %w", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
