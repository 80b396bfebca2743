package model

import (
	"github.com/google/uuid"
)

// Role is the part a streaming connection plays in the relay.
type Role int

const (
	RoleUnassigned Role = iota
	RoleDevice
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleViewer:
		return "viewer"
	default:
		return "unassigned"
	}
}

// Payload is an outbound message prepared for one relay event.
// Binary payloads are sent as binary frames, others as text frames.
type Payload struct {
	Data   []byte
	Binary bool
}

// Conn is a relay endpoint. The core only holds references to it,
// the transport owns its lifetime.
type Conn interface {
	ID() uuid.UUID
	IsOpen() bool
	Send(Payload) error
	// Close terminates the connection with a close code and reason.
	// Closing an already closed connection is a no-op.
	Close(code int, reason string) error
}

// Report summarises one delivery batch.
type Report struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (r Report) Targets() int {
	return r.Sent + r.Failed + r.Skipped
}

// Stats is a point-in-time view of registry membership.
type Stats struct {
	DeviceConnected bool `json:"device_connected"`
	Viewers         int  `json:"viewers"`
}
