// Package protocol defines the JSON envelopes exchanged with websocket
// clients and consumed from the notification broker.
//
// Inbound client frames decode into the Inbound sum type; callers switch on
// the concrete type and must handle Unknown.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypePing           = "ping"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeRoomMessage    = "room_message"
	TypePrivateMessage = "private_message"
)

// MalformedMessageError reports a frame that could not be decoded into a
// recognised shape. The reason is safe to echo back to the client.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// Inbound is a decoded client frame.
type Inbound interface {
	Kind() string
}

// Ping asks the server for a pong.
type Ping struct{}

// JoinRoom adds the sender to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom removes the sender from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// RoomMessage is relayed to every other member of RoomID.
type RoomMessage struct {
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

// PrivateMessage is relayed to every connection of TargetUserID.
type PrivateMessage struct {
	TargetUserID string          `json:"targetUserId"`
	Message      json.RawMessage `json:"message"`
}

// Unknown is a well-formed envelope with an unrecognised type.
type Unknown struct {
	Type string
}

func (Ping) Kind() string           { return TypePing }
func (JoinRoom) Kind() string       { return TypeJoinRoom }
func (LeaveRoom) Kind() string      { return TypeLeaveRoom }
func (RoomMessage) Kind() string    { return TypeRoomMessage }
func (PrivateMessage) Kind() string { return TypePrivateMessage }
func (u Unknown) Kind() string      { return u.Type }

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeInbound parses a raw text frame of the form {"type": ..., "data": {...}}.
// Any failure is a *MalformedMessageError.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedMessageError{Reason: "invalid JSON", Err: err}
	}
	if env.Type == "" {
		return nil, &MalformedMessageError{Reason: "missing type"}
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil

	case TypeJoinRoom:
		var m JoinRoom
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		if m.RoomID == "" {
			return nil, &MalformedMessageError{Reason: "roomId is required"}
		}
		return m, nil

	case TypeLeaveRoom:
		var m LeaveRoom
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		if m.RoomID == "" {
			return nil, &MalformedMessageError{Reason: "roomId is required"}
		}
		return m, nil

	case TypeRoomMessage:
		var m RoomMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		if m.RoomID == "" {
			return nil, &MalformedMessageError{Reason: "roomId is required"}
		}
		return m, nil

	case TypePrivateMessage:
		var m PrivateMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		if m.TargetUserID == "" {
			return nil, &MalformedMessageError{Reason: "targetUserId is required"}
		}
		return m, nil

	default:
		return Unknown{Type: env.Type}, nil
	}
}

var errMissingData = errors.New("data object is required")

func decodeData(data json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &MalformedMessageError{Reason: "missing data", Err: errMissingData}
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return &MalformedMessageError{Reason: "invalid data", Err: err}
	}
	return nil
}
