// Package realtime notifies collaborators of route changes and tracks
// who is editing. Broadcast is a side channel: nothing here is a
// durability mechanism, and presence state is lost on disconnect by
// design.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Event types delivered to subscribers.
const (
	EventRouteUpdated       = "route-updated"
	EventRouteDeleted       = "route-deleted"
	EventPreferencesChanged = "preferences-changed"
	EventConflictDetected   = "conflict-detected"
)

// Event is the application-level envelope published on a group's
// channel. SenderSession lets subscribers skip their own broadcasts.
type Event struct {
	Type          string          `json:"type"`
	GroupID       string          `json:"groupId"`
	SenderSession string          `json:"senderSession,omitempty"`
	Version       int64           `json:"version,omitempty"`
	ChangedBy     string          `json:"changedBy,omitempty"`
	ChangeType    string          `json:"changeType,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SentAt        time.Time       `json:"sentAt"`
}

// Message is one raw delivery from the transport.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live change-notification stream. Events is closed
// when the subscription ends.
type Subscription interface {
	Events() <-chan Message
	Close() error
}

// Bus is the minimal transport contract the facade depends on, so the
// conflict protocol and cache tiers never see transport-specific event
// shapes. Implementations: RedisBus.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	PresenceTrack(ctx context.Context, groupID, sessionID string, state []byte, ttl time.Duration) error
	PresenceUntrack(ctx context.Context, groupID, sessionID string) error
	PresenceList(ctx context.Context, groupID string) (map[string][]byte, error)
	Ping(ctx context.Context) error
}
