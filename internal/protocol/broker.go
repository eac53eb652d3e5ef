package protocol

import (
	"encoding/json"
	"fmt"
)

// Broker envelope types.
const (
	BrokerUserNotification = "user_notification"
	BrokerRoomNotification = "room_notification"
	BrokerBroadcast        = "broadcast"
)

// BrokerEnvelope is the body of a message consumed from the notification
// exchange. Target is a user id or room id depending on Type and is unused
// for broadcasts.
type BrokerEnvelope struct {
	Type   string          `json:"type"`
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

// DecodeBrokerEnvelope parses a broker message body.
func DecodeBrokerEnvelope(body []byte) (BrokerEnvelope, error) {
	var env BrokerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return BrokerEnvelope{}, &MalformedMessageError{Reason: "invalid broker envelope", Err: err}
	}
	if env.Type == "" {
		return BrokerEnvelope{}, &MalformedMessageError{Reason: "missing type"}
	}
	switch env.Type {
	case BrokerUserNotification, BrokerRoomNotification:
		if env.Target == "" {
			return BrokerEnvelope{}, &MalformedMessageError{Reason: fmt.Sprintf("%s requires a target", env.Type)}
		}
	}
	return env, nil
}
