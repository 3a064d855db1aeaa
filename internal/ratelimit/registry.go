package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/connies-uploader/sidecar/internal/config"
)

// Registry hands out one token bucket per service id, created lazily on first
// acquire. The registry lock only guards insertion of new entries; steady-state
// admission runs entirely inside x/time/rate, so no service ever waits on
// another service's bucket.
type Registry struct {
	fallback config.BucketSpec
	global   *rate.Limiter

	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	overrides map[string]config.BucketSpec
}

func NewRegistry(cfg config.RateConfig) *Registry {
	r := &Registry{
		fallback:  cfg.Default,
		limiters:  make(map[string]*rate.Limiter),
		overrides: make(map[string]config.BucketSpec),
	}
	if cfg.Global != nil {
		r.global = rate.NewLimiter(rate.Limit(cfg.Global.PerSecond), cfg.Global.Burst)
	}
	return r
}

// SetBucket pins a per-service bucket, overriding the default. Called at
// startup for services declared in config; has no effect on an already
// created limiter.
func (r *Registry) SetBucket(serviceID string, spec config.BucketSpec) {
	r.mu.Lock()
	r.overrides[serviceID] = spec
	r.mu.Unlock()
}

// Acquire blocks until one token is available for serviceID (and one from the
// global bucket, if configured) or ctx expires. A deadline expiry surfaces as
// ctx's error so the caller reports Timeout, never a stalled acquire.
func (r *Registry) Acquire(ctx context.Context, serviceID string) error {
	if err := r.limiter(serviceID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", serviceID, err)
	}
	if r.global != nil {
		if err := r.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limit wait: %w", err)
		}
	}
	return nil
}

func (r *Registry) limiter(serviceID string) *rate.Limiter {
	r.mu.RLock()
	lim, ok := r.limiters[serviceID]
	r.mu.RUnlock()
	if ok {
		return lim
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[serviceID]; ok {
		return lim
	}
	spec := r.fallback
	if o, ok := r.overrides[serviceID]; ok {
		spec = o
	}
	lim = rate.NewLimiter(rate.Limit(spec.PerSecond), spec.Burst)
	r.limiters[serviceID] = lim
	return lim
}

// Tokens reports currently available tokens per known service, for the stats
// surface. Values are instantaneous and only informational.
func (r *Registry) Tokens() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.limiters))
	for id, lim := range r.limiters {
		out[id] = lim.Tokens()
	}
	return out
}
