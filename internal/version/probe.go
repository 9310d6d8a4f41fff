// Package version resolves the upstream client version used to build the
// User-Agent header. The npm registry is the source of truth; results are
// cached in memory and mirrored into the store so restarts keep a working
// value even when the registry is unreachable.
package version

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRegistryURL serves the latest published qwen-code version.
	DefaultRegistryURL = "https://registry.npmjs.org/@qwen-code/qwen-code/latest"
	// DefaultVersion is the hard-coded fallback of last resort.
	DefaultVersion = "0.0.10"

	cacheTTL       = time.Hour
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	// userAgentBudget caps how long UserAgent may block its caller.
	userAgentBudget = 2 * time.Second
)

// Probe caches the upstream client version. Safe for concurrent use;
// concurrent cache misses coalesce into one registry fetch.
type Probe struct {
	store       *store.Store
	httpClient  *http.Client
	registryURL string

	mu       sync.RWMutex
	cached   string
	cachedAt time.Time

	sf singleflight.Group
}

// NewProbe builds a Probe backed by st for persistent fallback.
func NewProbe(st *store.Store) *Probe {
	return &Probe{
		store:       st,
		httpClient:  &http.Client{Timeout: requestTimeout},
		registryURL: DefaultRegistryURL,
	}
}

// SetRegistryURL overrides the registry endpoint. Intended for tests.
func (p *Probe) SetRegistryURL(u string) { p.registryURL = u }

// Version returns the current upstream client version: the fresh cache if
// available, else a registry fetch, else the stored value, else the
// hard-coded default. It never returns an empty string.
func (p *Probe) Version(ctx context.Context) string {
	if v, ok := p.freshCached(); ok {
		return v
	}

	v, err, _ := p.sf.Do("version", func() (any, error) {
		version, err := util.WithRetry(ctx, maxAttempts, "version fetch", p.fetchFromRegistry)
		if err != nil {
			return "", err
		}
		p.setCache(version)
		if errPut := p.store.PutVersion(ctx, version); errPut != nil {
			log.Warnf("failed to persist app version: %v", errPut)
		}
		return version, nil
	})
	if err == nil {
		return v.(string)
	}

	log.Debugf("version probe falling back to stored version: %v", err)
	return p.fallback(ctx)
}

// Refresh drops the cache and fetches anew. Used by the seconds-cadence
// scheduler variant.
func (p *Probe) Refresh(ctx context.Context) string {
	p.mu.Lock()
	p.cached = ""
	p.cachedAt = time.Time{}
	p.mu.Unlock()
	return p.Version(ctx)
}

// UserAgent returns "QwenCode/<version> (linux; x64)". It never blocks the
// caller longer than ~2s; on its own timeout it falls back to the cached
// or stored version synchronously.
func (p *Probe) UserAgent(ctx context.Context) string {
	if v, ok := p.freshCached(); ok {
		return formatUserAgent(v)
	}

	budget, cancel := context.WithTimeout(ctx, userAgentBudget)
	defer cancel()

	done := make(chan string, 1)
	go func() { done <- p.Version(context.WithoutCancel(ctx)) }()

	select {
	case v := <-done:
		return formatUserAgent(v)
	case <-budget.Done():
		return formatUserAgent(p.fallback(ctx))
	}
}

func formatUserAgent(version string) string {
	return fmt.Sprintf("QwenCode/%s (linux; x64)", version)
}

func (p *Probe) freshCached() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached != "" && time.Since(p.cachedAt) < cacheTTL {
		return p.cached, true
	}
	return "", false
}

func (p *Probe) setCache(version string) {
	p.mu.Lock()
	p.cached = version
	p.cachedAt = time.Now()
	p.mu.Unlock()
}

func (p *Probe) fallback(ctx context.Context) string {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()
	if cached != "" {
		return cached
	}

	if stored, err := p.store.GetVersion(ctx); err == nil && stored != "" {
		p.setCache(stored)
		return stored
	}
	return DefaultVersion
}

func (p *Probe) fetchFromRegistry(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.registryURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	version := gjson.GetBytes(body, "version").String()
	if version == "" {
		return "", fmt.Errorf("registry response missing version")
	}
	return version, nil
}
