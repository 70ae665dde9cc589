package cron

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDriver_RunOnStartupFiresImmediately(t *testing.T) {
	var calls int32
	d := New(true)
	require.NoError(t, d.Add("sweep", "@every 1h", func() {
		atomic.AddInt32(&calls, 1)
	}))

	d.Start()
	defer d.Stop()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDriver_WithoutRunOnStartupWaitsForSchedule(t *testing.T) {
	var calls int32
	d := New(false)
	require.NoError(t, d.Add("sweep", "@every 1h", func() {
		atomic.AddInt32(&calls, 1)
	}))

	d.Start()
	defer d.Stop()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
