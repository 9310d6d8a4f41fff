// Package oauth drives the RFC 8628 device authorization state machine.
// Each pending flow lives under a random state id; polls move it from
// Pending to Authorized, Expired or Cancelled. Nothing here is persisted.
package oauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nghyane/qwen-proxy/internal/auth/qwen"
	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/oauth/pkce"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
)

const (
	// initDeadline is the outer budget for the whole Init call.
	initDeadline = 12 * time.Second
	// deviceCodeTimeout is the inner budget for the device-code HTTP call.
	deviceCodeTimeout = 8 * time.Second

	// expiryGraceMillis extends the device-code lifetime before a pending
	// state is evicted as expired.
	expiryGraceMillis = 10_000
	// expiryWarnMillis is the window before expiry in which polls warn the
	// user without contacting the upstream.
	expiryWarnMillis = 60_000

	// maxPollIntervalSeconds caps slow_down growth.
	maxPollIntervalSeconds = 10
)

var (
	// ErrStateNotFound reports a poll or cancel against an unknown state id.
	ErrStateNotFound = errors.New("invalid stateId")
	// ErrDeviceCodeExpired reports a device code past its grace window.
	ErrDeviceCodeExpired = errors.New("device code expired")
	// ErrInitTimeout reports that Init exceeded its outer deadline.
	ErrInitTimeout = errors.New("OAuth initialization timeout")
)

type deviceState struct {
	deviceCode              string
	userCode                string
	verificationURI         string
	verificationURIComplete string
	codeVerifier            string
	expiresAt               int64 // epoch millis
	pollInterval            float64
}

// Coordinator owns the state_id → pending-flow mapping. Mutated only by
// admin handlers; a plain mutex suffices.
type Coordinator struct {
	client *qwen.Client

	mu     sync.Mutex
	states map[string]*deviceState
}

// NewCoordinator builds a Coordinator using client for upstream calls.
func NewCoordinator(client *qwen.Client) *Coordinator {
	return &Coordinator{
		client: client,
		states: make(map[string]*deviceState),
	}
}

// InitResult is the successful response of Init.
type InitResult struct {
	StateID                 string `json:"stateId"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresAt               int64  `json:"expiresAt"`
	ExpiresIn               int64  `json:"expiresIn"`
}

// Init starts a device flow: generates a PKCE pair, requests a device
// code and registers the pending state. The whole call completes within
// the outer deadline or fails with ErrInitTimeout.
func (c *Coordinator) Init(ctx context.Context) (*InitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, initDeadline)
	defer cancel()

	codes, err := pkce.Generate()
	if err != nil {
		return nil, err
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, deviceCodeTimeout)
	defer reqCancel()

	auth, err := c.client.RequestDeviceCode(reqCtx, codes.CodeChallenge)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrInitTimeout
		}
		return nil, err
	}

	stateID, err := util.RandomStateID()
	if err != nil {
		return nil, err
	}

	now := util.NowMillis()
	state := &deviceState{
		deviceCode:              auth.DeviceCode,
		userCode:                auth.UserCode,
		verificationURI:         auth.VerificationURI,
		verificationURIComplete: auth.VerificationURIComplete,
		codeVerifier:            codes.CodeVerifier,
		expiresAt:               now + auth.ExpiresIn*1000,
		pollInterval:            auth.Interval,
	}

	c.mu.Lock()
	c.states[stateID] = state
	c.mu.Unlock()

	return &InitResult{
		StateID:                 stateID,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresAt:               state.expiresAt,
		ExpiresIn:               auth.ExpiresIn,
	}, nil
}

// PollResult is the outcome of one poll. Success carries the freshly
// exchanged token; otherwise Status is "pending" with optional metadata.
type PollResult struct {
	Success       bool         `json:"success"`
	Status        string       `json:"status,omitempty"`
	Warning       string       `json:"warning,omitempty"`
	RemainingTime int64        `json:"remainingTime,omitempty"`
	PollInterval  float64      `json:"pollInterval,omitempty"`
	Token         *store.Token `json:"-"`
}

// Poll advances the flow identified by stateID. Terminal failures evict
// the state and surface as errors; transient conditions return a pending
// result.
func (c *Coordinator) Poll(ctx context.Context, stateID string) (*PollResult, error) {
	c.mu.Lock()
	state, ok := c.states[stateID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrStateNotFound
	}

	now := util.NowMillis()
	if now > state.expiresAt+expiryGraceMillis {
		c.remove(stateID)
		return nil, ErrDeviceCodeExpired
	}

	// Close to expiry: warn without burning an upstream call the user
	// likely cannot finish in time anyway.
	if now > state.expiresAt-expiryWarnMillis {
		return &PollResult{
			Success: false,
			Status:  "pending",
			Warning: "device code is about to expire, please complete authorization soon",
		}, nil
	}

	ts, err := c.client.PollDeviceToken(ctx, state.deviceCode, state.codeVerifier)
	switch {
	case err == nil:
		token := &store.Token{
			ID:           util.TokenID(ts.RefreshToken),
			AccessToken:  ts.AccessToken,
			RefreshToken: ts.RefreshToken,
			ExpiresAt:    now + ts.ExpiresIn*1000,
			UploadedAt:   now,
		}
		c.remove(stateID)
		return &PollResult{Success: true, Token: token}, nil

	case errors.Is(err, qwen.ErrAuthorizationPending):
		return c.pending(state, now), nil

	case errors.Is(err, qwen.ErrSlowDown):
		c.mu.Lock()
		state.pollInterval = min(state.pollInterval*1.5, maxPollIntervalSeconds)
		interval := state.pollInterval
		c.mu.Unlock()
		res := c.pending(state, now)
		res.PollInterval = interval
		return res, nil

	case isTerminal(err):
		c.remove(stateID)
		return nil, err

	default:
		log.Debugf("oauth poll transient error for %s: %v", stateID, err)
		return c.pending(state, now), nil
	}
}

// Cancel removes a pending flow. Cancelling an unknown id is a no-op.
func (c *Coordinator) Cancel(stateID string) {
	c.remove(stateID)
}

// StateCount returns the number of pending flows.
func (c *Coordinator) StateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func (c *Coordinator) pending(state *deviceState, now int64) *PollResult {
	remaining := (state.expiresAt - now) / 1000
	if remaining < 0 {
		remaining = 0
	}
	return &PollResult{Success: false, Status: "pending", RemainingTime: remaining}
}

func (c *Coordinator) remove(stateID string) {
	c.mu.Lock()
	delete(c.states, stateID)
	c.mu.Unlock()
}

// isTerminal classifies exchange errors that end the flow: device-code
// expiry, invalid grants and auth rejections.
func isTerminal(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{"timed out", "expired", "invalid", "401"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
