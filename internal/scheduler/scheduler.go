// Package scheduler keeps an unattended token pool live by periodically
// fanning out the refresh_token grant across every pool member.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/pool"
	"github.com/nghyane/qwen-proxy/internal/version"
)

// errorBackoff is how long the loop sleeps after an unexpected failure
// before trying again.
const errorBackoff = 5 * time.Minute

// ErrNotRunning reports an out-of-band refresh request while stopped.
var ErrNotRunning = errors.New("scheduler is not running")

// Scheduler owns the single background refresh task.
type Scheduler struct {
	pool  *pool.Pool
	probe *version.Probe

	mu             sync.Mutex
	running        bool
	interval       time.Duration
	secondsCadence bool
	cancel         context.CancelFunc
	done           chan struct{}

	lastRefreshUnix    atomic.Int64
	refreshCount       atomic.Int64
	failedRefreshCount atomic.Int64
}

// New builds a stopped scheduler. With secondsCadence the interval is
// interpreted as the opt-in seconds cadence and every tick additionally
// refreshes the version probe.
func New(p *pool.Pool, probe *version.Probe, interval time.Duration, secondsCadence bool) *Scheduler {
	return &Scheduler{
		pool:           p,
		probe:          probe,
		interval:       interval,
		secondsCadence: secondsCadence,
	}
}

// Start launches the refresh loop. One refresh runs immediately before
// the first sleep. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warnf("scheduler already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	log.Infof("token refresh scheduler started, interval: %s", s.currentInterval())

	go func() {
		defer close(done)
		s.loop(ctx)
	}()
}

// Stop cancels the loop and waits for any in-flight refresh to settle.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Infof("token refresh scheduler stopped")
}

// ForceRefreshNow runs one refresh out of band. Permitted only while the
// scheduler is running.
func (s *Scheduler) ForceRefreshNow(ctx context.Context) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if err := s.refreshTokens(ctx); err != nil {
		return err
	}
	return nil
}

// SetInterval updates the cadence; n is minutes and must be at least 1.
func (s *Scheduler) SetInterval(minutes int) error {
	if minutes < 1 {
		return fmt.Errorf("refresh interval must be at least 1 minute")
	}
	s.mu.Lock()
	old := s.interval
	s.interval = time.Duration(minutes) * time.Minute
	s.secondsCadence = false
	s.mu.Unlock()
	log.Infof("refresh interval updated: %s -> %dm", old, minutes)
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status is the scheduler state snapshot for the admin surface.
type Status struct {
	IsRunning          bool   `json:"isRunning"`
	RefreshInterval    int    `json:"refreshInterval"`
	IntervalUnit       string `json:"intervalUnit"`
	LastRefreshTime    int64  `json:"lastRefreshTime,omitempty"`
	NextRefreshTime    int64  `json:"nextRefreshTime,omitempty"`
	RefreshCount       int64  `json:"refreshCount"`
	FailedRefreshCount int64  `json:"failedRefreshCount"`
	TokenCount         int    `json:"tokenCount"`
}

// GetStatus returns the current snapshot.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	running := s.running
	interval := s.interval
	secondsCadence := s.secondsCadence
	s.mu.Unlock()

	st := Status{
		IsRunning:          running,
		RefreshCount:       s.refreshCount.Load(),
		FailedRefreshCount: s.failedRefreshCount.Load(),
		TokenCount:         s.pool.Len(),
		LastRefreshTime:    s.lastRefreshUnix.Load(),
	}
	if secondsCadence {
		st.RefreshInterval = int(interval / time.Second)
		st.IntervalUnit = "seconds"
	} else {
		st.RefreshInterval = int(interval / time.Minute)
		st.IntervalUnit = "minutes"
	}
	if running && st.LastRefreshTime > 0 {
		st.NextRefreshTime = st.LastRefreshTime + int64(interval/time.Second)
	}
	return st
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) loop(ctx context.Context) {
	// Initial refresh right after start; failures only log.
	if err := s.refreshTokens(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("initial token refresh failed: %v", err)
	}

	for {
		timer := time.NewTimer(s.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.refreshTokens(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("scheduled token refresh failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

func (s *Scheduler) refreshTokens(ctx context.Context) error {
	start := time.Now()
	s.lastRefreshUnix.Store(start.Unix())

	// Reload first to pick up externally uploaded tokens.
	if err := s.pool.Reload(ctx); err != nil {
		s.failedRefreshCount.Add(1)
		return err
	}

	if s.pool.Len() == 0 {
		log.Infof("no tokens to refresh")
		return nil
	}

	summary := s.pool.RefreshAll(ctx)
	s.refreshCount.Add(1)

	var succeeded, failed int64
	for _, r := range summary.Results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if failed > 0 {
		s.failedRefreshCount.Add(failed)
	}

	log.Infof("token refresh done - success: %d, failed: %d, remaining: %d, took: %.2fs",
		succeeded, failed, summary.Remaining, time.Since(start).Seconds())

	s.mu.Lock()
	secondsCadence := s.secondsCadence
	s.mu.Unlock()
	if secondsCadence && s.probe != nil {
		s.probe.Refresh(ctx)
	}

	return nil
}
