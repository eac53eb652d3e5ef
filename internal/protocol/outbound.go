package protocol

import (
	"encoding/json"
	"time"
)

// Outbound frame types.
const (
	TypeWelcome      = "welcome"
	TypePong         = "pong"
	TypeRoomJoined   = "room_joined"
	TypeRoomLeft     = "room_left"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Outbound is a frame written to a client. Every implementation carries its
// own "type" field so it marshals to a flat {type, ...fields} object.
type Outbound interface {
	OutboundType() string
}

// Welcome is sent once, right after a connection is admitted.
type Welcome struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type RoomJoined struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type RoomLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// RoomRelay is a room_message as delivered to the other members of a room.
type RoomRelay struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Message   json.RawMessage `json:"message"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
}

// PrivateRelay is a private_message as delivered to the target user.
type PrivateRelay struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
}

// Notification carries broker-originated data to clients.
type Notification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Error is the only failure a client ever sees.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (m Welcome) OutboundType() string      { return m.Type }
func (m Pong) OutboundType() string         { return m.Type }
func (m RoomJoined) OutboundType() string   { return m.Type }
func (m RoomLeft) OutboundType() string     { return m.Type }
func (m RoomRelay) OutboundType() string    { return m.Type }
func (m PrivateRelay) OutboundType() string { return m.Type }
func (m Notification) OutboundType() string { return m.Type }
func (m Error) OutboundType() string        { return m.Type }

// Timestamp returns t as Unix milliseconds, the unit used on the wire.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// NewWelcome is the first frame on every admitted connection.
func NewWelcome(connectionID string, now time.Time) Welcome {
	return Welcome{Type: TypeWelcome, ConnectionID: connectionID, Timestamp: Timestamp(now)}
}

// NewPong answers an application-level ping.
func NewPong(now time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: Timestamp(now)}
}

// NewRoomJoined confirms a join_room request.
func NewRoomJoined(roomID string) RoomJoined {
	return RoomJoined{Type: TypeRoomJoined, RoomID: roomID}
}

// NewRoomLeft confirms a leave_room request.
func NewRoomLeft(roomID string) RoomLeft {
	return RoomLeft{Type: TypeRoomLeft, RoomID: roomID}
}

// NewRoomRelay carries a room message to the other members of roomID.
func NewRoomRelay(roomID string, message json.RawMessage, sender string, now time.Time) RoomRelay {
	return RoomRelay{Type: TypeRoomMessage, RoomID: roomID, Message: message, Sender: sender, Timestamp: Timestamp(now)}
}

// NewPrivateRelay carries a private message to every device of the target user.
func NewPrivateRelay(message json.RawMessage, sender string, now time.Time) PrivateRelay {
	return PrivateRelay{Type: TypePrivateMessage, Message: message, Sender: sender, Timestamp: Timestamp(now)}
}

// NewNotification wraps broker data for delivery to clients.
func NewNotification(data json.RawMessage) Notification {
	return Notification{Type: TypeNotification, Data: data}
}

// NewError reports a rejected frame back to its sender.
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
