package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wayfarer/api/internal/route"
)

// Advisory connection states.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateReconnecting = "reconnecting"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 2 * time.Minute
	eventsChannelPrefix      = "route:events:"
)

// EditingPointer marks what a collaborator is currently editing.
type EditingPointer struct {
	DestinationID string `json:"destinationId"`
	Field         string `json:"field,omitempty"`
}

// PresenceUser is one collaborator's presence blob, both the tracked
// state and the shape returned from GetActiveUsers.
type PresenceUser struct {
	UserID       string          `json:"userId"`
	SessionID    string          `json:"sessionId"`
	DisplayName  string          `json:"displayName,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`
	Online       bool            `json:"online"`
	Editing      *EditingPointer `json:"editing,omitempty"`
}

// Callbacks receive inbound events. Nil callbacks are skipped.
type Callbacks struct {
	OnRouteUpdated       func(Event)
	OnRouteDeleted       func(Event)
	OnPreferencesChanged func(Event)
	OnConflict           func(route.RouteUpdateConflict)
}

type Options struct {
	GroupID           string
	UserID            string
	DisplayName       string
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	// Passive listens for events without announcing presence. Used by
	// server-side instances that watch a group without joining it.
	Passive bool
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	return o
}

// RouteSync is the per-group realtime facade: one change-notification
// subscription plus this session's presence entry.
type RouteSync struct {
	bus       Bus
	logger    *zap.Logger
	opts      Options
	sessionID string

	mu          sync.Mutex
	sub         Subscription
	subscribing bool
	callbacks   Callbacks
	state       string
	editing     *EditingPointer
	stopHeart   chan struct{}

	now func() time.Time
}

func NewRouteSync(bus Bus, logger *zap.Logger, opts Options) *RouteSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouteSync{
		bus:       bus,
		logger:    logger,
		opts:      opts.withDefaults(),
		sessionID: uuid.NewString(),
		state:     StateDisconnected,
		now:       time.Now,
	}
}

func (s *RouteSync) channel() string {
	return eventsChannelPrefix + s.opts.GroupID
}

// SessionID identifies this connection in presence and lets the pump
// skip the session's own broadcasts.
func (s *RouteSync) SessionID() string {
	return s.sessionID
}

// Subscribe opens the change-notification stream, registers presence
// and starts the heartbeat.
func (s *RouteSync) Subscribe(ctx context.Context, callbacks Callbacks) error {
	s.mu.Lock()
	if s.sub != nil || s.subscribing {
		s.mu.Unlock()
		return errors.New("already subscribed")
	}
	// The guard covers the bus call below so a concurrent Subscribe
	// cannot open a second, orphaned subscription.
	s.subscribing = true
	s.callbacks = callbacks
	s.mu.Unlock()

	sub, err := s.bus.Subscribe(ctx, s.channel())

	s.mu.Lock()
	s.subscribing = false
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}
	s.sub = sub
	s.state = StateConnected
	s.stopHeart = make(chan struct{})
	stop := s.stopHeart
	s.mu.Unlock()

	if !s.opts.Passive {
		if err := s.trackPresence(ctx); err != nil {
			s.logger.Warn("presence track failed",
				zap.String("group_id", s.opts.GroupID),
				zap.Error(err))
		}
		go s.heartbeat(stop)
	}

	go s.pump(sub)
	return nil
}

func (s *RouteSync) pump(sub Subscription) {
	for msg := range sub.Events() {
		var event Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			s.logger.Warn("dropping malformed realtime event",
				zap.String("channel", msg.Channel),
				zap.Error(err))
			continue
		}
		if event.SenderSession == s.sessionID {
			continue
		}
		s.dispatch(event)
	}

	// Stream closed under us: report disconnected unless Unsubscribe
	// already did.
	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
}

func (s *RouteSync) dispatch(event Event) {
	s.mu.Lock()
	callbacks := s.callbacks
	s.mu.Unlock()

	switch event.Type {
	case EventRouteUpdated:
		if callbacks.OnRouteUpdated != nil {
			callbacks.OnRouteUpdated(event)
		}
	case EventRouteDeleted:
		if callbacks.OnRouteDeleted != nil {
			callbacks.OnRouteDeleted(event)
		}
	case EventPreferencesChanged:
		if callbacks.OnPreferencesChanged != nil {
			callbacks.OnPreferencesChanged(event)
		}
	case EventConflictDetected:
		if callbacks.OnConflict != nil {
			var conflict route.RouteUpdateConflict
			if err := json.Unmarshal(event.Payload, &conflict); err != nil {
				s.logger.Warn("dropping malformed conflict event", zap.Error(err))
				return
			}
			callbacks.OnConflict(conflict)
		}
	}
}

func (s *RouteSync) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.trackPresence(ctx); err != nil {
				s.logger.Warn("presence heartbeat failed",
					zap.String("group_id", s.opts.GroupID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *RouteSync) trackPresence(ctx context.Context) error {
	s.mu.Lock()
	state := PresenceUser{
		UserID:       s.opts.UserID,
		SessionID:    s.sessionID,
		DisplayName:  s.opts.DisplayName,
		LastActivity: s.now(),
		Online:       true,
		Editing:      s.editing,
	}
	s.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// Presence key TTL outlives a few missed heartbeats; editing
	// pointers from crashed sessions still age out.
	return s.bus.PresenceTrack(ctx, s.opts.GroupID, s.sessionID, raw, 2*s.opts.StaleAfter)
}

// UpdateEditingStatus records (or clears, with nil) what this session is
// currently editing and refreshes its presence entry.
func (s *RouteSync) UpdateEditingStatus(ctx context.Context, editing *EditingPointer) error {
	s.mu.Lock()
	s.editing = editing
	s.mu.Unlock()
	return s.trackPresence(ctx)
}

// GetActiveUsers lists collaborators seen within the stale threshold.
func (s *RouteSync) GetActiveUsers(ctx context.Context) ([]PresenceUser, error) {
	entries, err := s.bus.PresenceList(ctx, s.opts.GroupID)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.opts.StaleAfter)
	users := make([]PresenceUser, 0, len(entries))
	for sessionID, raw := range entries {
		var user PresenceUser
		if err := json.Unmarshal(raw, &user); err != nil {
			s.logger.Warn("dropping malformed presence entry",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		if user.LastActivity.Before(cutoff) {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// BroadcastRouteUpdate notifies other subscribers of a successful write.
// Advisory only: failure is the caller's to log, never to fail on.
func (s *RouteSync) BroadcastRouteUpdate(ctx context.Context, record *route.OptimizedRoute, changedBy, changeType string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.publish(ctx, Event{
		Type:       EventRouteUpdated,
		Version:    record.Version,
		ChangedBy:  changedBy,
		ChangeType: changeType,
		Payload:    payload,
	})
}

// BroadcastRouteDeleted notifies other subscribers the live route is gone.
func (s *RouteSync) BroadcastRouteDeleted(ctx context.Context, changedBy string) error {
	return s.publish(ctx, Event{Type: EventRouteDeleted, ChangedBy: changedBy})
}

// BroadcastConflict makes every client aware a conflict occurred, even
// the ones that didn't trigger it.
func (s *RouteSync) BroadcastConflict(ctx context.Context, conflict *route.RouteUpdateConflict) error {
	payload, err := json.Marshal(conflict)
	if err != nil {
		return err
	}
	return s.publish(ctx, Event{Type: EventConflictDetected, Payload: payload})
}

func (s *RouteSync) publish(ctx context.Context, event Event) error {
	event.GroupID = s.opts.GroupID
	event.SenderSession = s.sessionID
	event.SentAt = s.now()
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, s.channel(), raw)
}

// Unsubscribe tears down the subscription and presence entry. Safe to
// call repeatedly.
func (s *RouteSync) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.state = StateDisconnected
	if s.stopHeart != nil {
		close(s.stopHeart)
		s.stopHeart = nil
	}
	s.mu.Unlock()

	var firstErr error
	if sub != nil {
		if err := sub.Close(); err != nil {
			firstErr = err
		}
	}
	if !s.opts.Passive {
		if err := s.bus.PresenceUntrack(ctx, s.opts.GroupID, s.sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reconnect re-establishes the subscription with the callbacks from the
// previous Subscribe.
func (s *RouteSync) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateReconnecting
	callbacks := s.callbacks
	s.mu.Unlock()

	return s.Subscribe(ctx, callbacks)
}

func (s *RouteSync) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

func (s *RouteSync) ConnectionState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
