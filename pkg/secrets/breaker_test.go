package secrets

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	fail atomic.Bool
	data map[string]string
}

func (f *fakeSource) Fetch(ctx context.Context) (map[string]string, error) {
	if f.fail.Load() {
		return nil, errors.New("upstream unavailable")
	}
	return f.data, nil
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "cache.json"))
	cfg.Timeout = 20 * time.Millisecond
	return cfg
}

func TestGetSecrets_LiveFetchWritesCache(t *testing.T) {
	src := &fakeSource{data: map[string]string{"API_KEY": "abc"}}
	cfg := testConfig(t)
	b := NewBreaker(src, cfg)

	secrets, err := b.GetSecrets(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", secrets["API_KEY"])

	cached, err := readCache(cfg.CacheFile)
	require.NoError(t, err)
	require.Equal(t, "abc", cached["API_KEY"])

	health := b.GetHealth()
	require.True(t, health.Healthy)
	require.False(t, health.UsingFallback)
}

func TestGetSecrets_FallsBackToCacheOnFailure(t *testing.T) {
	src := &fakeSource{data: map[string]string{"API_KEY": "abc"}}
	cfg := testConfig(t)
	b := NewBreaker(src, cfg)

	_, err := b.GetSecrets(context.Background())
	require.NoError(t, err)

	src.fail.Store(true)
	secrets, err := b.GetSecrets(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", secrets["API_KEY"])

	health := b.GetHealth()
	require.True(t, health.UsingFallback)
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	src := &fakeSource{data: map[string]string{"API_KEY": "abc"}}
	cfg := testConfig(t)
	b := NewBreaker(src, cfg)

	_, err := b.GetSecrets(context.Background())
	require.NoError(t, err)

	src.fail.Store(true)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = b.GetSecrets(context.Background())
	}

	health := b.GetHealth()
	require.Equal(t, "open", health.CircuitState)

	time.Sleep(cfg.Timeout + 10*time.Millisecond)
	src.fail.Store(false)

	for i := 0; i < cfg.SuccessThreshold; i++ {
		_, err := b.GetSecrets(context.Background())
		require.NoError(t, err)
	}

	health = b.GetHealth()
	require.Equal(t, "closed", health.CircuitState)
}

func TestGetSecrets_NoFallbackAvailable(t *testing.T) {
	src := &fakeSource{}
	src.fail.Store(true)
	b := NewBreaker(src, testConfig(t))

	_, err := b.GetSecrets(context.Background())
	require.ErrorIs(t, err, ErrNoFallbackCache)
}

func TestWriteReadCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	secrets := map[string]string{"A": "1", "B": "2"}

	require.NoError(t, writeCache(path, secrets))
	loaded, err := readCache(path)
	require.NoError(t, err)
	require.Equal(t, secrets, loaded)
}

func TestReadCache_MissingFileIsNotError(t *testing.T) {
	loaded, err := readCache(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, loaded)
}
