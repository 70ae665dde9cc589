package portbind

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAvailable_DetectsOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	require.False(t, IsAvailable("127.0.0.1", port))
}

func TestFindAvailable_SkipsOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	found := FindAvailable("127.0.0.1", occupied, occupied+5)
	require.NotZero(t, found)
	require.NotEqual(t, occupied, found)
}

func TestSetupWithFallback_FallsBackWhenPreferredTaken(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	preferred := blocker.Addr().(*net.TCPAddr).Port

	ln, port, err := SetupWithFallback(Options{
		Host:          "127.0.0.1",
		PreferredPort: preferred,
		MaxPort:       preferred + 10,
	})
	require.NoError(t, err)
	defer ln.Close()
	require.NotEqual(t, preferred, port)
}

func TestSetupWithFallback_NoAvailablePort(t *testing.T) {
	var listeners []net.Listener
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	first, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listeners = append(listeners, first)
	base := first.Addr().(*net.TCPAddr).Port

	for p := base; p <= base+2; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		if err == nil {
			listeners = append(listeners, ln)
		}
	}

	_, _, err = SetupWithFallback(Options{
		Host:          "127.0.0.1",
		PreferredPort: base,
		MaxPort:       base + 2,
	})
	require.ErrorIs(t, err, ErrNoAvailablePort)
}
