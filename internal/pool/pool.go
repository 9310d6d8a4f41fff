// Package pool manages the live set of upstream credentials: selection for
// request fanout, refresh via the refresh_token grant, and eviction of
// tokens the upstream no longer honors.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/nghyane/qwen-proxy/internal/auth/qwen"
	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrTokenNotFound reports an unknown token id.
var ErrTokenNotFound = errors.New("token not found")

// refreshConcurrency bounds the fan-out refresh. Pools are small; this is
// mostly protection against a misbehaving upstream.
const refreshConcurrency = 4

// Pool mirrors the store's token set in memory. All mutations write
// through to the store; Reload replaces the mirror wholesale.
type Pool struct {
	store  *store.Store
	client *qwen.Client
	loc    *time.Location

	mu     sync.RWMutex
	tokens map[string]store.Token

	// sf coalesces concurrent refreshes of the same token id.
	sf singleflight.Group
}

// New builds an empty pool; call Reload to populate it from the store.
func New(st *store.Store, client *qwen.Client, loc *time.Location) *Pool {
	return &Pool{
		store:  st,
		client: client,
		loc:    loc,
		tokens: make(map[string]store.Token),
	}
}

// Reload replaces the in-memory mirror with the store contents.
func (p *Pool) Reload(ctx context.Context) error {
	tokens, err := p.store.LoadAllTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload token pool: %w", err)
	}
	p.mu.Lock()
	p.tokens = tokens
	p.mu.Unlock()
	return nil
}

// Upsert writes the token through to the store and the mirror.
func (p *Pool) Upsert(ctx context.Context, t store.Token) error {
	if err := p.store.UpsertToken(ctx, t); err != nil {
		return err
	}
	p.mu.Lock()
	p.tokens[t.ID] = t
	p.mu.Unlock()
	return nil
}

// Get returns the mirrored token for id.
func (p *Pool) Get(id string) (store.Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tokens[id]
	return t, ok
}

// Len returns the current pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}

// Delete removes a token from the store and the mirror.
func (p *Pool) Delete(ctx context.Context, id string) error {
	if err := p.store.DeleteToken(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.tokens, id)
	p.mu.Unlock()
	return nil
}

// DeleteAll clears the pool and returns how many tokens were removed.
func (p *Pool) DeleteAll(ctx context.Context) (int64, error) {
	deleted, err := p.store.DeleteAllTokens(ctx)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.tokens = make(map[string]store.Token)
	p.mu.Unlock()
	return deleted, nil
}

// SelectValid picks one valid token uniformly at random. Expired tokens
// encountered during the scan are refreshed inline; those that cannot be
// refreshed are evicted. Returns false when no valid token remains.
func (p *Pool) SelectValid(ctx context.Context) (store.Token, bool) {
	p.mu.RLock()
	snapshot := make([]store.Token, 0, len(p.tokens))
	for _, t := range p.tokens {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	rand.Shuffle(len(snapshot), func(i, j int) {
		snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
	})

	now := util.NowMillis()
	valid := snapshot[:0]
	for _, t := range snapshot {
		if !t.IsExpired(now) {
			valid = append(valid, t)
			continue
		}
		refreshed, err := p.refreshOne(ctx, t.ID)
		if err != nil {
			p.evict(ctx, t.ID, err)
			continue
		}
		valid = append(valid, refreshed)
	}

	if len(valid) == 0 {
		return store.Token{}, false
	}
	return valid[rand.IntN(len(valid))], true
}

// RefreshSingle force-refreshes one token. On failure the token is evicted
// and an error returned.
func (p *Pool) RefreshSingle(ctx context.Context, id string) error {
	if _, ok := p.Get(id); !ok {
		return ErrTokenNotFound
	}
	if _, err := p.refreshOne(ctx, id); err != nil {
		p.evict(ctx, id, err)
		return fmt.Errorf("token refresh failed, token removed: %w", err)
	}
	return nil
}

// RefreshResult reports the outcome of one token's refresh.
type RefreshResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RefreshSummary aggregates a fan-out refresh.
type RefreshSummary struct {
	Results   []RefreshResult `json:"refreshResults"`
	Remaining int             `json:"remainingTokens"`
}

// RefreshAll refreshes every pool member with bounded concurrency.
// Failures evict the token and are reported in the summary, never
// propagated as an error.
func (p *Pool) RefreshAll(ctx context.Context) RefreshSummary {
	p.mu.RLock()
	ids := make([]string, 0, len(p.tokens))
	for id := range p.tokens {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)

	results := make([]RefreshResult, len(ids))
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			if _, err := p.refreshOne(ctx, id); err != nil {
				p.evict(ctx, id, err)
				results[i] = RefreshResult{ID: id, Success: false, Error: err.Error()}
				return nil
			}
			results[i] = RefreshResult{ID: id, Success: true}
			return nil
		})
	}
	_ = g.Wait()

	return RefreshSummary{Results: results, Remaining: p.Len()}
}

// refreshOne performs the refresh_token grant for id, preserving
// uploaded_at and usage_count on the replacement row. Concurrent calls for
// the same id coalesce into a single upstream request.
func (p *Pool) refreshOne(ctx context.Context, id string) (store.Token, error) {
	v, err, _ := p.sf.Do(id, func() (any, error) {
		current, ok := p.Get(id)
		if !ok {
			return store.Token{}, ErrTokenNotFound
		}

		ts, err := p.client.Refresh(ctx, current.RefreshToken)
		if err != nil {
			return store.Token{}, err
		}

		refreshToken := ts.RefreshToken
		if refreshToken == "" {
			refreshToken = current.RefreshToken
		}

		refreshed := store.Token{
			ID:           id,
			AccessToken:  ts.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    util.NowMillis() + ts.ExpiresIn*1000,
			UploadedAt:   current.UploadedAt,
			UsageCount:   current.UsageCount,
		}
		if err := p.store.UpsertToken(ctx, refreshed); err != nil {
			return store.Token{}, err
		}

		p.mu.Lock()
		p.tokens[id] = refreshed
		p.mu.Unlock()
		return refreshed, nil
	})
	if err != nil {
		return store.Token{}, err
	}
	return v.(store.Token), nil
}

// evict removes a token from both the mirror and the store after a failed
// refresh. Shrinkage is tolerated by the pool model, so this only logs.
func (p *Pool) evict(ctx context.Context, id string, cause error) {
	log.Warnf("evicting token %s: %v", id, cause)
	if err := p.store.DeleteToken(ctx, id); err != nil {
		log.Errorf("failed to delete evicted token %s: %v", id, err)
	}
	p.mu.Lock()
	delete(p.tokens, id)
	p.mu.Unlock()
}
