package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/config"
	"vibe/internal/verr"
)

// occupyPort binds an ephemeral port on loopback and returns it still held.
func occupyPort(t *testing.T) (net.Listener, int) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	return lis, lis.Addr().(*net.TCPAddr).Port
}

func TestAllocatePortSkipsBusyPort(t *testing.T) {
	_, busy := occupyPort(t)

	ports := config.TransportPorts{
		Preferred: busy,
		Range:     config.PortRange{Low: busy, High: busy + 50},
	}
	lis, port, err := allocatePort("127.0.0.1", ports, nil)
	require.NoError(t, err)
	defer lis.Close()

	assert.NotEqual(t, busy, port)
	assert.GreaterOrEqual(t, port, ports.Range.Low)
	assert.LessOrEqual(t, port, ports.Range.High)
	assert.Equal(t, port, lis.Addr().(*net.TCPAddr).Port)
}

func TestAllocatePortPrefersConfiguredPortWhenFree(t *testing.T) {
	probe, free := occupyPort(t)
	probe.Close()

	ports := config.TransportPorts{Preferred: free}
	lis, port, err := allocatePort("127.0.0.1", ports, nil)
	require.NoError(t, err)
	defer lis.Close()
	assert.Equal(t, free, port)
}

func TestAllocatePortBindsSinglePortBeforeRange(t *testing.T) {
	held, free := occupyPort(t)
	held.Close()
	_, busy := occupyPort(t)

	// A single-port env value lands in Preferred; it is the first candidate
	// even when a range is also configured.
	ports := config.TransportPorts{
		Preferred: free,
		Range:     config.PortRange{Low: busy, High: busy},
	}
	lis, port, err := allocatePort("127.0.0.1", ports, nil)
	require.NoError(t, err)
	defer lis.Close()
	assert.Equal(t, free, port)
}

func TestAllocatePortExhaustedRange(t *testing.T) {
	_, busy := occupyPort(t)

	ports := config.TransportPorts{
		Preferred: busy,
		Range:     config.PortRange{Low: busy, High: busy},
	}
	_, _, err := allocatePort("127.0.0.1", ports, nil)
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindPortUnavailable), "got %v", err)
}

func TestAllocatePortReturnsLiveListener(t *testing.T) {
	_, busy := occupyPort(t)

	ports := config.TransportPorts{
		Preferred: busy,
		Range:     config.PortRange{Low: busy, High: busy + 50},
	}
	lis, port, err := allocatePort("127.0.0.1", ports, nil)
	require.NoError(t, err)
	defer lis.Close()

	// The returned listener already holds the port: binding it again fails.
	_, err = net.Listen("tcp", lis.Addr().String())
	assert.Error(t, err)
	assert.NotZero(t, port)
}
