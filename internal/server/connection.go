package server

import (
	"sort"
	"sync/atomic"
	"time"
)

// Socket is the write side of an accepted duplex connection. Once a socket
// is handed to the Registry, only the Registry sends on it or closes it.
//
// Send must not block: it queues payload for writing and fails when the
// socket is closed or cannot keep up. Close must be idempotent.
type Socket interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one admitted socket. Its room set is guarded by the owning
// Registry's lock.
type Connection struct {
	ID       string
	UserID   string
	Metadata map[string]string

	socket        Socket
	rooms         map[string]struct{}
	lastHeartbeat atomic.Int64
	state         atomic.Int32
}

// State reports where the connection is in its lifecycle.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// LastHeartbeat is the last time the client showed signs of life.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

// ConnectionInfo is a read-only copy of a registered connection.
type ConnectionInfo struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Rooms         []string          `json:"rooms"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	State         string            `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// info must be called with the registry lock held.
func (c *Connection) info() ConnectionInfo {
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}

	return ConnectionInfo{
		ID:            c.ID,
		UserID:        c.UserID,
		Rooms:         rooms,
		LastHeartbeat: c.LastHeartbeat(),
		State:         c.State().String(),
		Metadata:      meta,
	}
}
