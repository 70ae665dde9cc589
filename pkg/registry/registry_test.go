package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	startCalls int
	stopCalls  int
	startErr   error
}

func (w *fakeWorker) Start(ctx context.Context) error {
	w.startCalls++
	return w.startErr
}

func (w *fakeWorker) Stop() {
	w.stopCalls++
}

func TestGetWorker_RejectsUnsupportedID(t *testing.T) {
	r := New([]string{"duplicate-detection"}, func(id string) Worker { return &fakeWorker{} }, 0)
	_, err := r.GetWorker(context.Background(), "unknown")
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate-detection")
}

func TestGetWorker_ReturnsSameInstance(t *testing.T) {
	built := 0
	r := New([]string{"scan"}, func(id string) Worker {
		built++
		return &fakeWorker{}
	}, 0)

	w1, err := r.GetWorker(context.Background(), "scan")
	require.NoError(t, err)
	w2, err := r.GetWorker(context.Background(), "scan")
	require.NoError(t, err)

	require.Same(t, w1, w2)
	require.Equal(t, 1, built)
}

func TestGetWorker_EvictsOnStartFailure(t *testing.T) {
	built := 0
	r := New([]string{"scan"}, func(id string) Worker {
		built++
		if built == 1 {
			return &fakeWorker{startErr: errors.New("boom")}
		}
		return &fakeWorker{}
	}, 0)

	_, err := r.GetWorker(context.Background(), "scan")
	require.Error(t, err)

	// A retry should construct a fresh worker rather than reuse the failed one.
	_, err = r.GetWorker(context.Background(), "scan")
	require.NoError(t, err)
	require.Equal(t, 2, built)
}

func TestShutdown_StopsAllWorkers(t *testing.T) {
	workers := []*fakeWorker{}
	r := New([]string{"a", "b"}, func(id string) Worker {
		w := &fakeWorker{}
		workers = append(workers, w)
		return w
	}, 0)

	_, err := r.GetWorker(context.Background(), "a")
	require.NoError(t, err)
	_, err = r.GetWorker(context.Background(), "b")
	require.NoError(t, err)

	r.Shutdown()
	for _, w := range workers {
		require.Equal(t, 1, w.stopCalls)
	}
}

func TestMemoryPressure_ReturnsUsage(t *testing.T) {
	r := New([]string{"a"}, func(id string) Worker { return &fakeWorker{} }, 99.9)
	_, usedPercent, err := r.MemoryPressure()
	require.NoError(t, err)
	require.GreaterOrEqual(t, usedPercent, 0.0)
}

func TestGetWorker_GatedByMemoryPressure(t *testing.T) {
	built := 0
	// A near-zero threshold means MemoryPressure reports high for any
	// realistic host, so a never-started worker must stay cold.
	r := New([]string{"scan"}, func(id string) Worker {
		built++
		return &fakeWorker{}
	}, 0.0001)

	_, err := r.GetWorker(context.Background(), "scan")
	require.Error(t, err)
	require.Contains(t, err.Error(), "memory pressure")
	require.Equal(t, 0, built)
}
