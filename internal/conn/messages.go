package conn

import (
	"encoding/json"
	"time"
)

// Wire message types. Every frame is a JSON object with a mandatory "type"
// discriminator; unknown types are ignored, never an error.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"

	TypeOrderUpdate    = "order_update"
	TypeRouteUpdate    = "route_update"
	TypeLocationUpdate = "location_update"
	TypeNotification   = "notification"
	TypeConflict       = "conflict_detected"
)

// Envelope is the wire shape shared by all messages.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound is the decoded form of a server-pushed message.
type Inbound interface {
	inbound()
}

type Pong struct{}

type OrderUpdate struct {
	Timestamp time.Time
	Payload   json.RawMessage
}

type RouteUpdate struct {
	Timestamp time.Time
	Payload   json.RawMessage
}

type LocationUpdate struct {
	Timestamp time.Time
	Payload   json.RawMessage
}

type Notification struct {
	Timestamp time.Time
	Payload   json.RawMessage
}

// ConflictNotice signals that the dual-write migration detected a divergence.
type ConflictNotice struct {
	Timestamp time.Time
	Payload   json.RawMessage
}

// Unknown preserves frames this client version does not understand. The
// dispatcher logs and drops them.
type Unknown struct {
	Type string
	Raw  []byte
}

func (Pong) inbound()           {}
func (OrderUpdate) inbound()    {}
func (RouteUpdate) inbound()    {}
func (LocationUpdate) inbound() {}
func (Notification) inbound()   {}
func (ConflictNotice) inbound() {}
func (Unknown) inbound()        {}

// DecodeInbound never fails: anything malformed or unrecognized comes back
// as Unknown.
func DecodeInbound(data []byte) Inbound {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unknown{Raw: data}
	}

	switch env.Type {
	case TypePong:
		return Pong{}
	case TypeOrderUpdate:
		return OrderUpdate{Timestamp: env.Timestamp, Payload: env.Payload}
	case TypeRouteUpdate:
		return RouteUpdate{Timestamp: env.Timestamp, Payload: env.Payload}
	case TypeLocationUpdate:
		return LocationUpdate{Timestamp: env.Timestamp, Payload: env.Payload}
	case TypeNotification:
		return Notification{Timestamp: env.Timestamp, Payload: env.Payload}
	case TypeConflict:
		return ConflictNotice{Timestamp: env.Timestamp, Payload: env.Payload}
	default:
		return Unknown{Type: env.Type, Raw: data}
	}
}

// TypeOf maps a decoded message back to its wire discriminator, for handler
// registration.
func TypeOf(msg Inbound) string {
	switch m := msg.(type) {
	case Pong:
		return TypePong
	case OrderUpdate:
		return TypeOrderUpdate
	case RouteUpdate:
		return TypeRouteUpdate
	case LocationUpdate:
		return TypeLocationUpdate
	case Notification:
		return TypeNotification
	case ConflictNotice:
		return TypeConflict
	case Unknown:
		return m.Type
	default:
		return ""
	}
}
