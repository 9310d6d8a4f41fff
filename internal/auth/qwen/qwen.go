// Package qwen implements the upstream OAuth2 endpoints used by the
// credential pool: RFC 8628 device authorization, the device-code token
// exchange, and the refresh_token grant.
package qwen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nghyane/qwen-proxy/internal/config"
	"github.com/tidwall/gjson"
)

// Poll outcomes that keep the device flow alive rather than ending it.
var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
)

// UserAgentFunc supplies the User-Agent header for upstream OAuth calls.
type UserAgentFunc func(ctx context.Context) string

// Client talks to the upstream OAuth endpoints. All calls honor the
// passed context; the embedded http.Client caps each request at 30s.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	userAgent  UserAgentFunc
}

// NewClient builds a Client. ua may be nil, in which case no User-Agent
// header is set.
func NewClient(cfg *config.Config, ua UserAgentFunc) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  ua,
	}
}

// DeviceAuthorization is the upstream response to a device-code request.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int64
	// Interval is the requested poll cadence in seconds (default 2).
	Interval float64
}

// TokenSet is the credential material returned by a token exchange or a
// refresh. RefreshToken may be empty on refresh responses that rotate
// only the access token.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is seconds until expiry; defaults to 3600 when the
	// upstream omits it.
	ExpiresIn int64
}

// RequestDeviceCode starts a device authorization flow with the given
// PKCE challenge.
func (c *Client) RequestDeviceCode(ctx context.Context, codeChallenge string) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id":             {c.cfg.OAuthClientID},
		"scope":                 {c.cfg.OAuthScope},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}

	status, body, err := c.postForm(ctx, c.cfg.DeviceCodeEndpoint(), form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: %d. Response: %s", status, truncate(body))
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() {
		return nil, fmt.Errorf("device authorization failed: %s - %s",
			e.String(), gjson.GetBytes(body, "error_description").String())
	}

	auth := &DeviceAuthorization{
		DeviceCode:              gjson.GetBytes(body, "device_code").String(),
		UserCode:                gjson.GetBytes(body, "user_code").String(),
		VerificationURI:         gjson.GetBytes(body, "verification_uri").String(),
		VerificationURIComplete: gjson.GetBytes(body, "verification_uri_complete").String(),
		ExpiresIn:               gjson.GetBytes(body, "expires_in").Int(),
		Interval:                2,
	}
	if iv := gjson.GetBytes(body, "interval"); iv.Exists() {
		auth.Interval = iv.Float()
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, fmt.Errorf("device authorization failed: malformed response: %s", truncate(body))
	}
	return auth, nil
}

// PollDeviceToken attempts the device-code token exchange. Returns
// ErrAuthorizationPending or ErrSlowDown while the user has not finished
// authorizing; any other error is for the caller to classify.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode, codeVerifier string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {config.DeviceGrantType},
		"client_id":     {c.cfg.OAuthClientID},
		"device_code":   {deviceCode},
		"code_verifier": {codeVerifier},
	}

	status, body, err := c.postForm(ctx, c.cfg.TokenEndpoint(), form)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		oauthErr := gjson.GetBytes(body, "error").String()
		switch {
		case status == http.StatusBadRequest && oauthErr == "authorization_pending":
			return nil, ErrAuthorizationPending
		case status == http.StatusTooManyRequests && oauthErr == "slow_down":
			return nil, ErrSlowDown
		case oauthErr != "":
			return nil, fmt.Errorf("device token poll failed: %s - %s",
				oauthErr, gjson.GetBytes(body, "error_description").String())
		default:
			return nil, fmt.Errorf("device token poll failed: %d. Response: %s", status, truncate(body))
		}
	}

	ts := parseTokenSet(body)
	if ts.AccessToken == "" || ts.RefreshToken == "" {
		return nil, fmt.Errorf("device token poll failed: malformed response: %s", truncate(body))
	}
	return ts, nil
}

// Refresh exchanges a refresh token for fresh credential material.
// Success requires HTTP 200, an access_token field and no error field.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.OAuthClientID},
	}

	status, body, err := c.postForm(ctx, c.cfg.TokenEndpoint(), form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed: %d", status)
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() {
		return nil, fmt.Errorf("token refresh failed: %s - %s",
			e.String(), gjson.GetBytes(body, "error_description").String())
	}

	ts := parseTokenSet(body)
	if ts.AccessToken == "" {
		return nil, fmt.Errorf("token refresh failed: no access_token in response")
	}
	return ts, nil
}

func parseTokenSet(body []byte) *TokenSet {
	ts := &TokenSet{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		ExpiresIn:    3600,
	}
	if e := gjson.GetBytes(body, "expires_in"); e.Exists() {
		ts.ExpiresIn = e.Int()
	}
	return ts
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != nil {
		if ua := c.userAgent(ctx); ua != "" {
			req.Header.Set("User-Agent", ua)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
