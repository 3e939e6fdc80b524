package cmrdma_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-rpc/rdma/cmrdma"
	"github.com/vela-rpc/rdma/cmrdma/fakeverbs"
)

func drainToEstablished(t *testing.T, ep *cmrdma.Endpoint) cmrdma.Event {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev, err := ep.PollEvent()
		require.NoError(t, err)
		if ev != cmrdma.EventNone {
			return ev
		}
	}
	return cmrdma.EventNone
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	fabric := fakeverbs.New()
	addr := netip.MustParseAddrPort("10.0.0.1:18515")

	server, err := cmrdma.Listen(fabric, cmrdma.Config{}, addr, 0)
	require.NoError(t, err)
	defer server.Close()

	client, err := cmrdma.Create(fabric, cmrdma.Config{})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.ResolveAddr(addr))
	require.Equal(t, cmrdma.EventAddrResolved, drainToEstablished(t, client))

	require.NoError(t, client.ResolveRoute())
	require.Equal(t, cmrdma.EventRouteResolved, drainToEstablished(t, client))

	_, err = client.CreateQP(64, 64, nil, 42)
	require.NoError(t, err)

	require.NoError(t, client.Connect([]byte("hello")))

	var conn *cmrdma.Endpoint
	for i := 0; i < 10 && conn == nil; i++ {
		conn, err = server.GetRequest()
		require.NoError(t, err)
	}
	require.NotNil(t, conn)
	defer conn.Close()
	assert.Equal(t, []byte("hello"), conn.ConnData())

	_, err = conn.CreateQP(64, 64, nil, 7)
	require.NoError(t, err)
	require.NoError(t, conn.Accept([]byte("world")))

	assert.Equal(t, cmrdma.EventEstablished, drainToEstablished(t, conn))
	assert.Equal(t, cmrdma.EventEstablished, drainToEstablished(t, client))
}

func TestGetRequestNonBlockingWhenEmpty(t *testing.T) {
	fabric := fakeverbs.New()
	addr := netip.MustParseAddrPort("10.0.0.2:18515")

	server, err := cmrdma.Listen(fabric, cmrdma.Config{}, addr, 0)
	require.NoError(t, err)
	defer server.Close()

	conn, err := server.GetRequest()
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestPollEventAcknowledgesPreviousBeforeNext(t *testing.T) {
	fabric := fakeverbs.New()
	addr := netip.MustParseAddrPort("10.0.0.3:18515")

	client, err := cmrdma.Create(fabric, cmrdma.Config{})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.ResolveAddr(addr))
	require.NoError(t, client.ResolveRoute())

	ev, err := client.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, cmrdma.EventAddrResolved, ev)

	// The second event was queued behind the first; it must not appear
	// until the first has been implicitly acknowledged by this next call.
	ev, err = client.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, cmrdma.EventRouteResolved, ev)

	ev, err = client.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, cmrdma.EventNone, ev)
}

func TestEventStringCoversAllValues(t *testing.T) {
	events := []cmrdma.Event{
		cmrdma.EventNone, cmrdma.EventAddrResolved, cmrdma.EventRouteResolved,
		cmrdma.EventEstablished, cmrdma.EventDisconnect, cmrdma.EventOther, cmrdma.EventError,
	}
	for _, ev := range events {
		assert.NotEqual(t, "UNKNOWN", ev.String())
	}
}
