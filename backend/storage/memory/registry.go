package memory

import (
	"errors"
	"sync"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	ReasonReplaced = "replaced by new device"
)

var (
	ErrRoleConflict = errors.New("connection already holds another role")
)

// Registry tracks the single device slot and the viewer set.
// The lock only guards bookkeeping, connections are never
// written to while it is held.
type Registry struct {
	mx      *sync.Mutex
	device  model.Conn
	viewers map[uuid.UUID]model.Conn
}

func NewRegistry() *Registry {
	return &Registry{
		mx:      &sync.Mutex{},
		viewers: make(map[uuid.UUID]model.Conn),
	}
}

// IdentifyAsDevice makes conn the device. A different previous device
// is closed after the swap and returned. Repeated identification by
// the current device is a no-op.
func (r *Registry) IdentifyAsDevice(conn model.Conn) (model.Conn, error) {
	r.mx.Lock()
	if _, ok := r.viewers[conn.ID()]; ok {
		r.mx.Unlock()
		return nil, ErrRoleConflict
	}
	prev := r.device
	if prev != nil && prev.ID() == conn.ID() {
		r.mx.Unlock()
		return nil, nil
	}
	r.device = conn
	r.mx.Unlock()

	if prev != nil {
		// Close errors mean the predecessor is already gone.
		_ = prev.Close(websocket.CloseNormalClosure, ReasonReplaced)
	}
	return prev, nil
}

// IdentifyAsViewer adds conn to the viewer set keyed by its ID.
// It reports whether conn was newly added.
func (r *Registry) IdentifyAsViewer(conn model.Conn) (bool, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.device != nil && r.device.ID() == conn.ID() {
		return false, ErrRoleConflict
	}
	if _, ok := r.viewers[conn.ID()]; ok {
		return false, nil
	}
	r.viewers[conn.ID()] = conn
	return true, nil
}

// Remove drops conn from whichever role it holds and returns that role.
// Absent connections yield RoleUnassigned.
func (r *Registry) Remove(conn model.Conn) model.Role {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.device != nil && r.device.ID() == conn.ID() {
		r.device = nil
		return model.RoleDevice
	}
	if _, ok := r.viewers[conn.ID()]; ok {
		delete(r.viewers, conn.ID())
		return model.RoleViewer
	}
	return model.RoleUnassigned
}

// RoleOf returns the role currently registered for conn.
func (r *Registry) RoleOf(conn model.Conn) model.Role {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.device != nil && r.device.ID() == conn.ID() {
		return model.RoleDevice
	}
	if _, ok := r.viewers[conn.ID()]; ok {
		return model.RoleViewer
	}
	return model.RoleUnassigned
}

// SnapshotViewers returns an independent copy of the viewer set.
func (r *Registry) SnapshotViewers() []model.Conn {
	r.mx.Lock()
	defer r.mx.Unlock()

	viewers := make([]model.Conn, 0, len(r.viewers))
	for _, v := range r.viewers {
		viewers = append(viewers, v)
	}
	return viewers
}

func (r *Registry) CurrentDevice() model.Conn {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.device
}

func (r *Registry) ViewerCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.viewers)
}
