package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
)

type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  atomic.Bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, frame []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(string) { c.closed.Store(true) }

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func TestAttach_SecondHostIsRefused(t *testing.T) {
	r := New()
	first, second := newConn("h1"), newConn("h2")

	require.NoError(t, r.Attach("ses_1", model.RoleHost, first))
	err := r.Attach("ses_1", model.RoleHost, second)
	require.ErrorIs(t, err, ErrHostConflict)

	require.NoError(t, r.SendToHost(context.Background(), "ses_1", []byte("x")))
	assert.Len(t, first.received(), 1)
	assert.Empty(t, second.received())
}

func TestAttach_ConcurrentHostsOnlyOneWins(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Attach("ses_1", model.RoleHost, newConn(fmt.Sprintf("h%d", i))); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, r.Presence("ses_1").HostConnected)
}

func TestBroadcast_OnlyCurrentGuestsReceive(t *testing.T) {
	r := New()
	ctx := context.Background()
	host, g1, g2 := newConn("h"), newConn("g1"), newConn("g2")
	require.NoError(t, r.Attach("ses_1", model.RoleHost, host))
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, g1))

	assert.Equal(t, 1, r.BroadcastToGuests(ctx, "ses_1", []byte("first")))
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, g2))
	assert.Equal(t, 2, r.BroadcastToGuests(ctx, "ses_1", []byte("second")))

	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, g1.received())
	assert.Equal(t, [][]byte{[]byte("second")}, g2.received())
	assert.Empty(t, host.received())
}

func TestBroadcast_FailedGuestIsDetachedOthersStillDelivered(t *testing.T) {
	r := New()
	ctx := context.Background()
	bad, good := newConn("bad"), newConn("good")
	bad.sendErr = errors.New("queue full")
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, bad))
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, good))

	assert.Equal(t, 1, r.BroadcastToGuests(ctx, "ses_1", []byte("frame")))
	assert.Len(t, good.received(), 1)
	assert.True(t, bad.closed.Load())
	assert.Equal(t, Presence{Guests: 1}, r.Presence("ses_1"))
}

func TestSendToHost_NoHost(t *testing.T) {
	r := New()
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, newConn("g")))
	assert.ErrorIs(t, r.SendToHost(context.Background(), "ses_1", []byte("k")), ErrHostNotConnected)
	assert.ErrorIs(t, r.SendToHost(context.Background(), "missing", []byte("k")), ErrHostNotConnected)
}

func TestDetach_DropsEmptySessionAndFreesHostSlot(t *testing.T) {
	r := New()
	host, guest := newConn("h"), newConn("g")
	require.NoError(t, r.Attach("ses_1", model.RoleHost, host))
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, guest))

	r.Detach("ses_1", host)
	assert.Equal(t, Presence{Guests: 1}, r.Presence("ses_1"))
	require.NoError(t, r.Attach("ses_1", model.RoleHost, newConn("h2")))

	r.Detach("ses_1", guest)
	r.Detach("ses_1", newConn("h2"))
	assert.Equal(t, 0, r.Sessions())

	r.Detach("ses_1", guest)
}

func TestCloseAll(t *testing.T) {
	r := New()
	a, b := newConn("a"), newConn("b")
	require.NoError(t, r.Attach("ses_1", model.RoleHost, a))
	require.NoError(t, r.Attach("ses_2", model.RoleGuest, b))
	assert.Equal(t, 2, r.CloseAll("shutdown"))
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestExportMetrics_ReportsLiveAttachments(t *testing.T) {
	r := New()
	m := metrics.NewRegistry()
	r.ExportMetrics(m)

	require.NoError(t, r.Attach("ses_1", model.RoleHost, newConn("h1")))
	g1, g2 := newConn("g1"), newConn("g2")
	require.NoError(t, r.Attach("ses_1", model.RoleGuest, g1))
	require.NoError(t, r.Attach("ses_2", model.RoleGuest, g2))

	out := m.Render()
	assert.Contains(t, out, "# TYPE liveterm_relay_live_sessions gauge\nliveterm_relay_live_sessions 2\n")
	assert.Contains(t, out, `liveterm_relay_connections{role="guest"} 2`)
	assert.Contains(t, out, `liveterm_relay_connections{role="host"} 1`)

	r.Detach("ses_2", g2)
	out = m.Render()
	assert.Contains(t, out, "liveterm_relay_live_sessions 1\n")
	assert.Contains(t, out, `liveterm_relay_connections{role="guest"} 1`)
}
