package sync

import (
	"encoding/json"
	"fmt"
)

// WriteOp is a logical write issued by business code. The payload is opaque;
// the engine only cares about routing and ordering.
type WriteOp struct {
	EntityType string
	EntityID   string
	Operation  string
	TargetURL  string
	HTTPMethod string
	Headers    map[string]string
	Payload    json.RawMessage
}

func (op WriteOp) String() string {
	return fmt.Sprintf("[%s] %s %s/%s", op.Operation, op.HTTPMethod, op.EntityType, op.EntityID)
}

type EventType string

const (
	EventQueued  EventType = "queued"
	EventSyncing EventType = "syncing"
	EventSynced  EventType = "synced"
	EventFailed  EventType = "failed"
)

// QueueEvent is the asynchronous status signal observers (UI, dashboards)
// receive about a queued write. Offline-path failures never surface to the
// original caller; they surface here.
type QueueEvent struct {
	Type       EventType
	EntryID    string
	EntityType string
	EntityID   string
	Err        string
}

type Listener func(QueueEvent)
