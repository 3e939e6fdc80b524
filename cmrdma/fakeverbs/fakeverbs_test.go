package fakeverbs_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vela-rpc/rdma/cmrdma"
	"github.com/vela-rpc/rdma/cmrdma/fakeverbs"
)

func TestBindAndListenRejectsDuplicateAddress(t *testing.T) {
	fabric := fakeverbs.New()
	addr := netip.MustParseAddrPort("10.0.0.9:18515")

	a, err := fabric.CreateIdentifier()
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.BindAndListen(addr, 4))

	b, err := fabric.CreateIdentifier()
	require.NoError(t, err)
	defer b.Close()
	assert.Error(t, b.BindAndListen(addr, 4))
}

func TestFDBecomesPollableOnEvent(t *testing.T) {
	fabric := fakeverbs.New()
	id, err := fabric.CreateIdentifier()
	require.NoError(t, err)
	defer id.Close()

	fd := id.FD()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fd must not be readable before any event is queued")

	require.NoError(t, id.ResolveAddr(netip.Addr{}, netip.MustParseAddrPort("10.0.0.9:1"), 0))

	n, err = unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "fd must become readable once an event is queued")

	kind, _, err := id.NextRawEvent()
	require.NoError(t, err)
	assert.Equal(t, cmrdma.RawAddrResolved, kind)

	n, err = unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fd must go back to non-readable once drained")
}

func TestConnectWithoutListenerFails(t *testing.T) {
	fabric := fakeverbs.New()
	id, err := fabric.CreateIdentifier()
	require.NoError(t, err)
	defer id.Close()

	require.NoError(t, id.ResolveAddr(netip.Addr{}, netip.MustParseAddrPort("10.0.0.9:18515"), 0))
	assert.Error(t, id.Connect(nil))
}
