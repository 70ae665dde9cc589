// Package registry is the process-wide singleton that lazily constructs and
// caches one scheduler instance per pipeline id.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"jobserver/pkg/logger"
)

// Worker is the subset of scheduler.Scheduler the registry depends on,
// kept as an interface so this package never imports pkg/scheduler.
type Worker interface {
	Start(ctx context.Context) error
	Stop()
}

// Factory constructs a new Worker for a pipeline id.
type Factory func(pipelineID string) Worker

// Registry is the worker allow-list and lazy-singleton cache.
type Registry struct {
	mu      sync.Mutex
	workers map[string]Worker
	allowed map[string]bool
	factory Factory

	memThresholdPercent float64
}

// New builds a Registry against a fixed allow-list of pipeline ids.
func New(allowedIDs []string, factory Factory, memThresholdPercent float64) *Registry {
	allowed := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	if memThresholdPercent <= 0 {
		memThresholdPercent = 90
	}
	return &Registry{
		workers:             make(map[string]Worker),
		allowed:             allowed,
		factory:             factory,
		memThresholdPercent: memThresholdPercent,
	}
}

// IsSupported reports whether id is in the allow-list.
func (r *Registry) IsSupported(id string) bool {
	return r.allowed[id]
}

// SupportedIDs returns every allow-listed pipeline id, sorted.
func (r *Registry) SupportedIDs() []string {
	ids := make([]string, 0, len(r.allowed))
	for id := range r.allowed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// errUnsupported builds the unknown-pipeline error, formatted with every
// supported id so dashboard clients can surface it directly.
func (r *Registry) errUnsupported(id string) error {
	return fmt.Errorf("registry: unsupported pipeline %q, supported: %s", id, strings.Join(r.SupportedIDs(), ", "))
}

// GetWorker lazily constructs (and starts) the worker for id, or returns the
// cached instance if one already exists. Constructing a new worker is
// gated on MemoryPressure: an already-running worker is always returned,
// but a pipeline that has never been started stays cold while the host is
// under memory pressure.
func (r *Registry) GetWorker(ctx context.Context, id string) (Worker, error) {
	if !r.IsSupported(id) {
		return nil, r.errUnsupported(id)
	}

	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	if high, used, err := r.MemoryPressure(); err == nil && high {
		return nil, fmt.Errorf("registry: cannot start worker %s, memory pressure high (%.1f%% used)", id, used)
	}

	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		r.mu.Unlock()
		return w, nil
	}
	w := r.factory(id)
	r.workers[id] = w
	r.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.workers, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: start worker %s: %w", id, err)
	}
	return w, nil
}

// Shutdown stops and drains every constructed worker.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	workers := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]Worker)
	r.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}

// MemoryPressure reports whether resident memory usage exceeds the
// configured threshold, used to gate new dispatch rather than hard-fail it.
func (r *Registry) MemoryPressure() (bool, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false, 0, fmt.Errorf("registry: read memory stats: %w", err)
	}
	if vm.UsedPercent >= r.memThresholdPercent {
		logger.Warn("memory pressure high, gating new dispatch",
			zap.Float64("used_percent", vm.UsedPercent), zap.Float64("threshold", r.memThresholdPercent))
		return true, vm.UsedPercent, nil
	}
	return false, vm.UsedPercent, nil
}
