// Package channel provides the realtime room channel: best-effort broadcast
// plus presence tracking. The pubsub implementation runs over gossipsub; a
// Fake hub in this package backs tests.
package channel

import (
	"encoding/json"
	"sort"
	"time"
)

// Presence status values carried in the presence record.
const (
	StatusWaiting  = "waiting"
	StatusAdmitted = "admitted"
)

// Event kinds delivered on the Events stream.
const (
	KindBroadcast = "broadcast"
	KindPresence  = "presence"
)

// PresenceState is the per-participant presence record. Every connected
// client publishes one; all clients receive the merged snapshot on change.
type PresenceState struct {
	OnlineAt time.Time `json:"online_at"`
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Status   string    `json:"status"` // waiting | admitted
	JoinTime int64     `json:"joinTime,omitempty"`
}

// Event is one delivery from the channel: either a broadcast message or a
// full presence snapshot.
type Event struct {
	Kind string `json:"kind"`

	// Broadcast fields
	Event   string          `json:"event,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Presence snapshot, Kind == KindPresence
	Presence []PresenceState `json:"presence,omitempty"`
}

// Channel is a named room topic: broadcast to current subscribers plus
// presence tracking. Delivery is best-effort at-least-once with no cross-
// sender ordering. Own broadcasts are looped back to the local Events
// stream; receivers that care deduplicate.
type Channel interface {
	// Broadcast publishes an event to all current subscribers, self included.
	Broadcast(event string, payload any) error

	// Track publishes this client's presence record. Calling it again
	// replaces the record (status transitions republish).
	Track(state PresenceState) error

	// Untrack withdraws this client's presence record.
	Untrack() error

	// Presence returns the current merged snapshot.
	Presence() []PresenceState

	// Events returns the delivery stream. Closed when the channel closes.
	Events() <-chan Event

	Close() error
}

// sortPresence orders a snapshot by join time, then user ID, so every
// receiver sees the same deterministic ordering.
func sortPresence(list []PresenceState) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].OnlineAt.Equal(list[j].OnlineAt) {
			return list[i].OnlineAt.Before(list[j].OnlineAt)
		}
		return list[i].UserID < list[j].UserID
	})
}

// marshalPayload turns an arbitrary payload into raw JSON for the wire.
func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
