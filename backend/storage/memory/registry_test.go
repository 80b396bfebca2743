package memory

import (
	"sync"
	"testing"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	id uuid.UUID

	mx          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	closeCalls  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) IsOpen() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return !c.closed
}

func (c *fakeConn) Send(model.Payload) error { return nil }

func (c *fakeConn) Close(code int, reason string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closeCalls++
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func TestRegistry_IdentifyAsDevice_ReplacesAndClosesPrevious(t *testing.T) {
	r := NewRegistry()
	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = newFakeConn()
		prev, err := r.IdentifyAsDevice(conns[i])
		require.NoError(t, err)
		if i == 0 {
			assert.Nil(t, prev)
		} else {
			assert.Equal(t, conns[i-1].ID(), prev.ID())
		}
	}

	require.NotNil(t, r.CurrentDevice())
	assert.Equal(t, conns[4].ID(), r.CurrentDevice().ID())
	for i, c := range conns[:4] {
		assert.False(t, c.IsOpen(), "conn %d should be closed", i)
		assert.Equal(t, websocket.CloseNormalClosure, c.closeCode)
		assert.Equal(t, ReasonReplaced, c.closeReason)
	}
	assert.True(t, conns[4].IsOpen())
	assert.Equal(t, 0, r.ViewerCount())
}

func TestRegistry_IdentifyAsDevice_Idempotent(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn()

	for i := 0; i < 3; i++ {
		prev, err := r.IdentifyAsDevice(c)
		require.NoError(t, err)
		assert.Nil(t, prev)
	}
	assert.True(t, c.IsOpen())
	assert.Equal(t, 0, c.closeCalls)
	assert.Equal(t, model.RoleDevice, r.RoleOf(c))
}

func TestRegistry_IdentifyAsViewer_Idempotent(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn()

	added, err := r.IdentifyAsViewer(c)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.IdentifyAsViewer(c)
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, 1, r.ViewerCount())
	assert.Equal(t, model.RoleViewer, r.RoleOf(c))
}

func TestRegistry_RoleConflict(t *testing.T) {
	r := NewRegistry()
	dev, viewer := newFakeConn(), newFakeConn()

	_, err := r.IdentifyAsDevice(dev)
	require.NoError(t, err)
	_, err = r.IdentifyAsViewer(dev)
	assert.ErrorIs(t, err, ErrRoleConflict)

	_, err = r.IdentifyAsViewer(viewer)
	require.NoError(t, err)
	_, err = r.IdentifyAsDevice(viewer)
	assert.ErrorIs(t, err, ErrRoleConflict)

	assert.Equal(t, dev.ID(), r.CurrentDevice().ID())
	assert.Equal(t, 1, r.ViewerCount())
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	dev, viewer, stranger := newFakeConn(), newFakeConn(), newFakeConn()
	_, _ = r.IdentifyAsDevice(dev)
	_, _ = r.IdentifyAsViewer(viewer)

	assert.Equal(t, model.RoleUnassigned, r.Remove(stranger))
	assert.Equal(t, model.RoleViewer, r.Remove(viewer))
	assert.Equal(t, model.RoleUnassigned, r.Remove(viewer))
	assert.Equal(t, model.RoleDevice, r.Remove(dev))
	assert.Equal(t, model.RoleUnassigned, r.Remove(dev))

	assert.Nil(t, r.CurrentDevice())
	assert.Equal(t, 0, r.ViewerCount())
}

func TestRegistry_RemoveSupersededDevice(t *testing.T) {
	r := NewRegistry()
	old, current := newFakeConn(), newFakeConn()
	_, _ = r.IdentifyAsDevice(old)
	_, _ = r.IdentifyAsDevice(current)

	// close notification of the superseded device must not clear the slot
	assert.Equal(t, model.RoleUnassigned, r.Remove(old))
	assert.Equal(t, current.ID(), r.CurrentDevice().ID())
}

func TestRegistry_SnapshotIsIndependent(t *testing.T) {
	r := NewRegistry()
	viewers := make([]*fakeConn, 3)
	for i := range viewers {
		viewers[i] = newFakeConn()
		_, _ = r.IdentifyAsViewer(viewers[i])
	}

	snap := r.SnapshotViewers()
	require.Len(t, snap, 3)

	r.Remove(viewers[0])
	_, _ = r.IdentifyAsViewer(newFakeConn())

	assert.Len(t, snap, 3)
	assert.Equal(t, 3, r.ViewerCount())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			c := newFakeConn()
			_, _ = r.IdentifyAsViewer(c)
			_ = r.SnapshotViewers()
			r.Remove(c)
		}()
		go func() {
			defer wg.Done()
			c := newFakeConn()
			_, _ = r.IdentifyAsDevice(c)
		}()
		go func() {
			defer wg.Done()
			for _, v := range r.SnapshotViewers() {
				_ = v.IsOpen()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.ViewerCount())
	assert.NotNil(t, r.CurrentDevice())
}
