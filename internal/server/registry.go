package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/protocol"
)

// Registry indexes every admitted connection by id, by user and by room.
// All three indices are guarded by one mutex; fan-out always iterates over
// a copied id snapshot so that removals triggered by failed sends never
// touch the set being walked.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	users       map[string]map[string]struct{}
	rooms       map[string]map[string]struct{}
	closed      bool

	maxConnections int
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithMaxConnections caps the number of simultaneously registered connections.
// Zero or less means unlimited.
func WithMaxConnections(n int) RegistryOption {
	return func(r *Registry) { r.maxConnections = n }
}

// WithMetrics reports index sizes and delivery failures to m.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now, mostly for heartbeat tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]struct{}),
		rooms:       make(map[string]map[string]struct{}),
		logger:      logger.Named("registry"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddConnection registers socket under id for userID and returns the open
// connection with its heartbeat set to now. It fails with errShuttingDown
// once CloseAll has run.
func (r *Registry) AddConnection(id, userID string, socket Socket, metadata map[string]string) (*Connection, error) {
	conn := &Connection{
		ID:       id,
		UserID:   userID,
		Metadata: metadata,
		socket:   socket,
		rooms:    make(map[string]struct{}),
	}
	conn.touch(r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errShuttingDown
	}
	if _, exists := r.connections[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	if r.maxConnections > 0 && len(r.connections) >= r.maxConnections {
		r.mu.Unlock()
		return nil, ErrCapacityReached
	}

	r.connections[id] = conn
	userConns, ok := r.users[userID]
	if !ok {
		userConns = make(map[string]struct{})
		r.users[userID] = userConns
	}
	userConns[id] = struct{}{}
	conn.setState(StateOpen)
	total := len(r.connections)
	r.reportSizesLocked()
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("conn_id", id),
		zap.String("user_id", userID),
		zap.Int("total", total),
	)
	return conn, nil
}

// RemoveConnection drops id from every index and closes its socket with a
// normal closure. Unknown ids are ignored.
func (r *Registry) RemoveConnection(id string) {
	r.CloseConnection(id, websocket.CloseNormalClosure, "")
}

// CloseConnection is RemoveConnection with an explicit close code. It
// reports whether id was registered.
func (r *Registry) CloseConnection(id string, code int, reason string) bool {
	r.mu.Lock()
	conn := r.detachLocked(id)
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	r.finish(conn, code, reason)
	return true
}

// detachLocked removes id from the room index, the user index and the
// primary map, in that order, dropping any set left empty.
func (r *Registry) detachLocked(id string) *Connection {
	conn, ok := r.connections[id]
	if !ok {
		return nil
	}
	conn.setState(StateClosing)

	for room := range conn.rooms {
		if members, ok := r.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	conn.rooms = make(map[string]struct{})

	if userConns, ok := r.users[conn.UserID]; ok {
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(r.users, conn.UserID)
		}
	}

	delete(r.connections, id)
	r.reportSizesLocked()
	return conn
}

// finish closes the socket of a detached connection outside the lock.
func (r *Registry) finish(conn *Connection, code int, reason string) {
	if err := conn.socket.Close(code, reason); err != nil && !isExpectedCloseError(err) {
		r.logger.Warn("error closing socket", zap.String("conn_id", conn.ID), zap.Error(err))
	}
	conn.setState(StateClosed)

	r.logger.Info("connection removed",
		zap.String("conn_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
}

// JoinRoom adds id to room. Joining twice is harmless.
func (r *Registry) JoinRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	r.reportSizesLocked()
	return nil
}

// LeaveRoom removes id from room; leaving a room it never joined is a no-op.
func (r *Registry) LeaveRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if _, member := conn.rooms[room]; !member {
		return nil
	}
	delete(conn.rooms, room)
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.reportSizesLocked()
	return nil
}

// Touch refreshes the heartbeat of id.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	conn, ok := r.connections[id]
	r.mu.RUnlock()
	if ok {
		conn.touch(r.now())
	}
}

// SendToConnection encodes msg and queues it on the socket of id. A failed
// write removes the connection and returns a *DeliveryError.
func (r *Registry) SendToConnection(id string, msg protocol.Outbound) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	return r.sendRaw(id, payload)
}

func (r *Registry) sendRaw(id string, payload []byte) error {
	r.mu.RLock()
	conn, ok := r.connections[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	if err := conn.socket.Send(payload); err != nil {
		r.metrics.DeliveryFailure()
		r.logger.Warn("delivery failed, dropping connection",
			zap.String("conn_id", id),
			zap.Error(err),
		)
		r.CloseConnection(id, websocket.CloseGoingAway, "delivery failed")
		return &DeliveryError{ConnectionID: id, Err: err}
	}
	return nil
}

// SendToUser delivers msg to every connection of userID and returns how
// many writes succeeded.
func (r *Registry) SendToUser(userID string, msg protocol.Outbound) int {
	r.mu.RLock()
	ids := snapshotIDs(r.users[userID], "")
	r.mu.RUnlock()
	return r.fanOut(ids, msg)
}

// SendToRoom delivers msg to every member of room except excludeID.
func (r *Registry) SendToRoom(room string, msg protocol.Outbound, excludeID string) int {
	r.mu.RLock()
	ids := snapshotIDs(r.rooms[room], excludeID)
	r.mu.RUnlock()
	return r.fanOut(ids, msg)
}

// Broadcast delivers msg to every connection except excludeID.
func (r *Registry) Broadcast(msg protocol.Outbound, excludeID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	return r.fanOut(ids, msg)
}

func (r *Registry) fanOut(ids []string, msg protocol.Outbound) int {
	if len(ids) == 0 {
		return 0
	}
	payload, err := encode(msg)
	if err != nil {
		r.logger.Error("dropping unencodable message", zap.String("type", msg.OutboundType()), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, id := range ids {
		if r.sendRaw(id, payload) == nil {
			delivered++
		}
	}
	return delivered
}

func snapshotIDs(set map[string]struct{}, excludeID string) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	return ids
}

func encode(msg protocol.Outbound) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.OutboundType(), err)
	}
	return payload, nil
}

// Sweep closes every connection whose heartbeat is older than maxIdle and
// returns the evicted ids.
func (r *Registry) Sweep(maxIdle time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	var stale []*Connection
	for id, conn := range r.connections {
		if now.Sub(conn.LastHeartbeat()) > maxIdle {
			stale = append(stale, r.detachLocked(id))
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, conn := range stale {
		r.finish(conn, websocket.CloseGoingAway, "heartbeat timeout")
		ids = append(ids, conn.ID)
	}
	return ids
}

// CloseAll removes every connection, closing each socket with code. The
// registry accepts no new connections afterwards.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.connections))
	for id := range r.connections {
		conns = append(conns, r.detachLocked(id))
	}
	r.mu.Unlock()

	for _, conn := range conns {
		r.finish(conn, code, reason)
	}
	return len(conns)
}

// Connection returns a snapshot of id.
func (r *Registry) Connection(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.info(), true
}

// Stats is a point-in-time view of the registry indices.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	TotalUsers       int            `json:"totalUsers"`
	TotalRooms       int            `json:"totalRooms"`
	RoomCounts       map[string]int `json:"perRoomCounts"`
}

// Stats returns the current index sizes.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		counts[room] = len(members)
	}
	return Stats{
		TotalConnections: len(r.connections),
		TotalUsers:       len(r.users),
		TotalRooms:       len(r.rooms),
		RoomCounts:       counts,
	}
}

// userConnections lists the connection ids of userID in sorted order.
func (r *Registry) userConnections(userID string) []string {
	r.mu.RLock()
	ids := snapshotIDs(r.users[userID], "")
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) reportSizesLocked() {
	r.metrics.SetIndexSizes(len(r.connections), len(r.rooms))
}
