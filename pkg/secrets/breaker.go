package secrets

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobserver/pkg/logger"
	"jobserver/pkg/resilience"
)

// Config configures the secrets breaker's thresholds, backoff schedule, and
// on-disk cache location.
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	Timeout           time.Duration
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	CacheFile         string
	CacheTTL          time.Duration
}

// DefaultConfig matches the thresholds this breaker is specified to run
// with in production.
func DefaultConfig(cacheFile string) Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		Timeout:           5 * time.Second,
		BaseDelay:         1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
		CacheFile:         cacheFile,
		CacheTTL:          5 * time.Minute,
	}
}

// Health is the shape returned by GetHealth.
type Health struct {
	CircuitState     string    `json:"circuitState"`
	Healthy          bool      `json:"healthy"`
	UsingFallback    bool      `json:"usingFallback"`
	FailureCount     int       `json:"failureCount"`
	CurrentBackoffMs int64     `json:"currentBackoffMs"`
	CacheLoadedAt    time.Time `json:"cacheLoadedAt,omitempty"`
	TotalRequests    int       `json:"totalRequests"`
	CacheHits        int       `json:"cacheHits"`
	LiveFetches      int       `json:"liveFetches"`
}

// Breaker wraps a Source with the classic three-state breaker plus an
// on-disk fallback cache, generalised from the AI-prediction client breaker
// the resilience package was originally written against.
type Breaker struct {
	source Source
	cb     *resilience.CircuitBreaker
	cfg    Config

	mu             sync.Mutex
	cache          map[string]string
	cacheLoadedAt  time.Time
	usingFallback  bool
	currentBackoff time.Duration
	totalRequests  int
	cacheHits      int
	liveFetches    int
}

// NewBreaker builds a Breaker around source.
func NewBreaker(source Source, cfg Config) *Breaker {
	cb := resilience.NewCircuitBreaker("secrets", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		Timeout:          cfg.Timeout,
		MaxRequests:      cfg.SuccessThreshold,
	})
	return &Breaker{source: source, cb: cb, cfg: cfg, currentBackoff: cfg.BaseDelay}
}

// GetSecrets returns the current secret set, preferring a live fetch and
// falling back to the on-disk cache while the breaker is open or the
// upstream source is failing.
func (b *Breaker) GetSecrets(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	b.totalRequests++
	b.mu.Unlock()

	if b.cb.State() == resilience.CircuitOpen {
		return b.fromCache()
	}

	var fetched map[string]string
	err := b.cb.Execute(ctx, func() error {
		b.mu.Lock()
		b.liveFetches++
		b.mu.Unlock()
		secrets, ferr := b.source.Fetch(ctx)
		if ferr != nil {
			return ferr
		}
		fetched = secrets
		return nil
	})

	if err == nil {
		b.onLiveSuccess(fetched)
		return fetched, nil
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return b.fromCache()
	}

	b.onLiveFailure(err)
	cached, cerr := b.fromCache()
	if cerr != nil {
		return nil, cerr
	}
	return cached, nil
}

func (b *Breaker) onLiveSuccess(secrets map[string]string) {
	b.mu.Lock()
	b.currentBackoff = b.cfg.BaseDelay
	b.usingFallback = false
	b.mu.Unlock()

	if err := writeCache(b.cfg.CacheFile, secrets); err != nil {
		logger.Warn("secrets: failed to persist cache", zap.Error(err))
	}
}

func (b *Breaker) onLiveFailure(err error) {
	b.mu.Lock()
	next := time.Duration(float64(b.currentBackoff) * b.cfg.BackoffMultiplier)
	if next > b.cfg.MaxBackoff {
		next = b.cfg.MaxBackoff
	}
	if next < b.cfg.BaseDelay {
		next = b.cfg.BaseDelay
	}
	b.currentBackoff = next
	b.mu.Unlock()

	logger.Warn("secrets: live fetch failed", zap.Error(err))
}

// fromCache serves the last known-good secret set, reloading from disk if
// the in-memory copy is stale or absent.
func (b *Breaker) fromCache() (map[string]string, error) {
	b.mu.Lock()
	stale := b.cache == nil || time.Since(b.cacheLoadedAt) >= b.cfg.CacheTTL
	b.mu.Unlock()

	if stale {
		loaded, err := readCache(b.cfg.CacheFile)
		if err != nil {
			logger.Warn("secrets: failed to read cache file", zap.Error(err))
		}
		b.mu.Lock()
		if loaded != nil {
			b.cache = loaded
			b.cacheLoadedAt = time.Now()
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache == nil {
		return nil, ErrNoFallbackCache
	}
	b.cacheHits++
	b.usingFallback = true
	out := make(map[string]string, len(b.cache))
	for k, v := range b.cache {
		out[k] = v
	}
	return out, nil
}

// GetHealth reports the breaker's current operating state.
func (b *Breaker) GetHealth() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	metrics := b.cb.Metrics()
	state, _ := metrics["state"].(string)
	failures, _ := metrics["failures"].(int)

	return Health{
		CircuitState:     state,
		Healthy:          b.cb.State() == resilience.CircuitClosed,
		UsingFallback:    b.usingFallback,
		FailureCount:     failures,
		CurrentBackoffMs: b.currentBackoff.Milliseconds(),
		CacheLoadedAt:    b.cacheLoadedAt,
		TotalRequests:    b.totalRequests,
		CacheHits:        b.cacheHits,
		LiveFetches:      b.liveFetches,
	}
}
