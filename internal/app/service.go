package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wayfarer/api/internal/batch"
	"wayfarer/api/internal/cache"
	"wayfarer/api/internal/realtime"
	"wayfarer/api/internal/route"
	"wayfarer/api/internal/search"
	"wayfarer/api/internal/store"
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetRoute(ctx context.Context, groupID string) (*route.OptimizedRoute, error)
	SaveOptimizationResult(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error)
	UpdateRoute(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error)
	DeleteRoute(ctx context.Context, groupID string, changedBy string) error
	GetRouteVersions(ctx context.Context, groupID string, limit int) ([]route.RouteVersion, error)
	GetRouteChangeHistory(ctx context.Context, groupID string, limit int) ([]route.RouteChangeLog, error)
	ListPlaces(ctx context.Context, groupID string) ([]store.Place, error)
}

type routeCache interface {
	GetRoute(ctx context.Context, groupID string, fetch func(context.Context) (*cache.CachedRoute, error)) (*cache.CachedRoute, bool, error)
	SetRoute(ctx context.Context, groupID string, data route.RouteData, version int64)
	Invalidate(ctx context.Context, groupID string) error
	Stats() cache.Metrics
}

type placeSearch interface {
	Search(ctx context.Context, query, groupID string, limit int) search.Response
	IndexGroup(groupID string, places []store.Place)
	RemoveGroup(groupID string)
}

// GetRouteResult is the uniform read result. Err is set instead of
// returned so callers always get a renderable value.
type GetRouteResult struct {
	Success bool
	GroupID string
	Data    *route.RouteData
	Version int64
	Cached  bool
	Err     error
}

// WriteResult is the uniform outcome of save, update, resolve and
// batch operations. Exactly one of Route, Conflict, Err is meaningful
// when Success is false.
type WriteResult struct {
	Success  bool
	GroupID  string
	Route    *route.OptimizedRoute
	Conflict *route.RouteUpdateConflict
	Err      error
}

// BatchSave is one item of a BatchUpdateRoutes fan-out.
type BatchSave struct {
	GroupID   string
	Data      route.RouteData
	Metrics   *route.OptimizationMetrics
	ChangedBy string
}

// Options carries the service tunables set by the composition root.
type Options struct {
	BatchMaxSize      int
	BatchDelay        time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

// Service orchestrates the route subsystem: validated writes through
// the store, read-through caching, batched optimization saves keyed by
// group, and advisory realtime broadcasts. It never panics on expected
// failure modes; every public method reports errors as values.
type Service struct {
	store  dataStore
	cache  routeCache
	bus    realtime.Bus
	search placeSearch
	saves  *batch.Scheduler[*route.OptimizedRoute]
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	syncs    map[string]*realtime.RouteSync
	disposed bool
}

// NewService wires the orchestrator. bus and searchSvc may be nil;
// realtime broadcasts and place search degrade to no-ops.
func NewService(dataStore dataStore, routeCache routeCache, bus realtime.Bus, searchSvc placeSearch, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = realtime.DefaultHeartbeatInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = realtime.DefaultStaleAfter
	}
	return &Service{
		store:  dataStore,
		cache:  routeCache,
		bus:    bus,
		search: searchSvc,
		saves:  batch.NewScheduler[*route.OptimizedRoute](opts.BatchMaxSize, opts.BatchDelay, logger),
		logger: logger,
		opts:   opts,
		syncs:  make(map[string]*realtime.RouteSync),
	}
}

// PingRealtime reports redis health. ok is false when realtime is not
// configured, which is degraded but not a readiness failure.
func (s *Service) PingRealtime(ctx context.Context) (bool, error) {
	if s.bus == nil {
		return false, nil
	}
	return true, s.bus.Ping(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetRoute reads cache-first: memory tier, durable tier, then the
// store. A missing route is reported as a NOT_FOUND failure result.
func (s *Service) GetRoute(ctx context.Context, groupID string) GetRouteResult {
	cached, fromCache, err := s.cache.GetRoute(ctx, groupID, func(fetchCtx context.Context) (*cache.CachedRoute, error) {
		record, err := s.store.GetRoute(fetchCtx, groupID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, nil
		}
		return &cache.CachedRoute{GroupID: groupID, Data: record.RouteData, Version: record.Version}, nil
	})
	if err != nil {
		return GetRouteResult{GroupID: groupID, Err: err}
	}
	if cached == nil {
		return GetRouteResult{GroupID: groupID, Err: route.Errorf(route.CodeNotFound, "no route for group %s", groupID)}
	}
	return GetRouteResult{
		Success: true,
		GroupID: groupID,
		Data:    &cached.Data,
		Version: cached.Version,
		Cached:  fromCache,
	}
}

// SaveOptimizationResult routes a freshly computed route through the
// batch scheduler so concurrent saves for one group coalesce. The
// caller still settles individually.
func (s *Service) SaveOptimizationResult(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) WriteResult {
	pending := s.saves.Add(groupID, func(opCtx context.Context) (*route.OptimizedRoute, error) {
		record, err := s.store.SaveOptimizationResult(opCtx, groupID, data, metrics, changedBy)
		if err != nil {
			return nil, err
		}
		s.afterWrite(opCtx, record, changedBy, route.ChangeTypeOptimization, true)
		return record, nil
	})

	record, err := pending.Wait(ctx)
	if err != nil {
		return WriteResult{GroupID: groupID, Err: err}
	}
	return WriteResult{Success: true, GroupID: groupID, Route: record}
}

// UpdateRoute applies a partial edit against an expected version. On a
// version conflict the conflict is broadcast to the group and returned
// as a value, never as a panic.
func (s *Service) UpdateRoute(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy string) WriteResult {
	return s.applyUpdate(ctx, groupID, patch, expectedVersion, changedBy, route.ChangeTypeManualEdit, true)
}

func (s *Service) applyUpdate(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string, broadcast bool) WriteResult {
	record, err := s.store.UpdateRoute(ctx, groupID, patch, expectedVersion, changedBy, changeType)
	if err != nil {
		if conflict, ok := route.AsConflict(err); ok {
			if broadcast {
				s.broadcastConflict(ctx, groupID, conflict)
			}
			return WriteResult{GroupID: groupID, Conflict: conflict, Err: err}
		}
		return WriteResult{GroupID: groupID, Err: err}
	}
	s.afterWrite(ctx, record, changedBy, changeType, broadcast)
	return WriteResult{Success: true, GroupID: groupID, Route: record}
}

// ResolveConflict applies one of the three resolution strategies.
// server_wins never writes, it refreshes the cache from the server
// state. client_wins and merge write with the conflict's server
// version as the expected base and are audited as conflict resolutions.
func (s *Service) ResolveConflict(ctx context.Context, groupID string, conflict route.RouteUpdateConflict, strategy string, mergedData *route.RouteData, resolvedBy string) WriteResult {
	switch strategy {
	case route.ResolveServerWins:
		record, err := s.store.GetRoute(ctx, groupID)
		if err != nil {
			return WriteResult{GroupID: groupID, Err: err}
		}
		if record == nil {
			return WriteResult{GroupID: groupID, Err: route.Errorf(route.CodeNotFound, "no route for group %s", groupID)}
		}
		s.cache.SetRoute(ctx, groupID, record.RouteData, record.Version)
		return WriteResult{Success: true, GroupID: groupID, Route: record}

	case route.ResolveClientWins:
		return s.applyUpdate(ctx, groupID, conflict.LocalChanges, conflict.ServerVersion, resolvedBy, route.ChangeTypeConflictResolution, true)

	case route.ResolveMerge:
		if mergedData == nil {
			return WriteResult{GroupID: groupID, Err: route.NewError(route.CodeValidation, "merge strategy requires mergedData")}
		}
		patch, err := route.PatchFromData(*mergedData)
		if err != nil {
			return WriteResult{GroupID: groupID, Err: err}
		}
		return s.applyUpdate(ctx, groupID, patch, conflict.ServerVersion, resolvedBy, route.ChangeTypeConflictResolution, true)

	default:
		return WriteResult{GroupID: groupID, Err: route.Errorf(route.CodeValidation, "unknown resolution strategy %q", strategy)}
	}
}

// DeleteRoute removes the live route. History and audit rows are kept.
// A cache invalidation failure is returned because it opens a
// stale-read window, but the delete itself has already succeeded.
func (s *Service) DeleteRoute(ctx context.Context, groupID, changedBy string) error {
	if err := s.store.DeleteRoute(ctx, groupID, changedBy); err != nil {
		return err
	}
	invalidateErr := s.cache.Invalidate(ctx, groupID)

	if s.bus != nil {
		if err := s.groupSync(groupID).BroadcastRouteDeleted(ctx, changedBy); err != nil {
			s.logger.Warn("route delete broadcast failed", zap.String("group_id", groupID), zap.Error(err))
		}
	}
	if s.search != nil {
		s.search.RemoveGroup(groupID)
	}
	return invalidateErr
}

func (s *Service) GetRouteVersions(ctx context.Context, groupID string, limit int) ([]route.RouteVersion, error) {
	return s.store.GetRouteVersions(ctx, groupID, limit)
}

func (s *Service) GetRouteChangeHistory(ctx context.Context, groupID string, limit int) ([]route.RouteChangeLog, error) {
	return s.store.GetRouteChangeHistory(ctx, groupID, limit)
}

// GetActiveUsers lists the group's live collaborators from the
// presence registry. Without a bus the group is simply empty.
func (s *Service) GetActiveUsers(ctx context.Context, groupID string) ([]realtime.PresenceUser, error) {
	if s.bus == nil {
		return []realtime.PresenceUser{}, nil
	}
	return s.groupSync(groupID).GetActiveUsers(ctx)
}

// UpdateEditingStatus refreshes one collaborator's presence entry with
// their current editing pointer (nil clears it).
func (s *Service) UpdateEditingStatus(ctx context.Context, groupID string, user realtime.PresenceUser) error {
	if s.bus == nil {
		return nil
	}
	if strings.TrimSpace(user.SessionID) == "" {
		return route.NewError(route.CodeValidation, "sessionId is required")
	}
	user.LastActivity = time.Now()
	user.Online = true
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.bus.PresenceTrack(ctx, groupID, user.SessionID, raw, 2*s.opts.StaleAfter)
}

// SearchPlaces proxies the place search service. Degrades to an empty
// response when search is not configured.
func (s *Service) SearchPlaces(ctx context.Context, query, groupID string, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.PlaceDocument{}, Query: query, Source: "none"}
	}
	return s.search.Search(ctx, query, groupID, limit)
}

// CacheStats exposes the cache counters for the metrics surface.
func (s *Service) CacheStats() cache.Metrics {
	return s.cache.Stats()
}

// Dispose flushes pending batched saves and drops realtime state.
// Idempotent; cleanup errors are logged so one resource's teardown
// never blocks another's.
func (s *Service) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	syncs := make([]*realtime.RouteSync, 0, len(s.syncs))
	for _, groupSync := range s.syncs {
		syncs = append(syncs, groupSync)
	}
	s.syncs = make(map[string]*realtime.RouteSync)
	s.mu.Unlock()

	if err := s.saves.FlushAll(ctx); err != nil {
		s.logger.Warn("flushing pending saves on dispose", zap.Error(err))
	}
	for _, groupSync := range syncs {
		if err := groupSync.Unsubscribe(ctx); err != nil {
			s.logger.Warn("realtime teardown on dispose", zap.Error(err))
		}
	}
}

// BatchUpdateRoutes fans out optimization saves across groups with
// all-settled semantics: every item gets its own short-lived service
// with realtime disabled, and one failure never aborts the rest.
func BatchUpdateRoutes(ctx context.Context, dataStore dataStore, routeCache routeCache, logger *zap.Logger, updates []BatchSave) []WriteResult {
	results := make([]WriteResult, len(updates))
	var wg sync.WaitGroup
	for i, update := range updates {
		wg.Add(1)
		go func(i int, update BatchSave) {
			defer wg.Done()
			svc := NewService(dataStore, routeCache, nil, nil, logger, Options{})
			defer svc.Dispose(ctx)
			results[i] = svc.SaveOptimizationResult(ctx, update.GroupID, update.Data, update.Metrics, update.ChangedBy)
		}(i, update)
	}
	wg.Wait()
	return results
}

// afterWrite applies the post-write side effects shared by every
// successful save and update: refresh both cache tiers, notify the
// group, refresh the place index. All best-effort.
func (s *Service) afterWrite(ctx context.Context, record *route.OptimizedRoute, changedBy, changeType string, broadcast bool) {
	s.cache.SetRoute(ctx, record.GroupID, record.RouteData, record.Version)

	if broadcast && s.bus != nil {
		if err := s.groupSync(record.GroupID).BroadcastRouteUpdate(ctx, record, changedBy, changeType); err != nil {
			s.logger.Warn("route update broadcast failed",
				zap.String("group_id", record.GroupID),
				zap.Int64("version", record.Version),
				zap.Error(err))
		}
	}

	if s.search != nil {
		places, err := s.store.ListPlaces(ctx, record.GroupID)
		if err != nil {
			s.logger.Warn("listing places for search index", zap.String("group_id", record.GroupID), zap.Error(err))
			return
		}
		s.search.IndexGroup(record.GroupID, places)
	}
}

func (s *Service) broadcastConflict(ctx context.Context, groupID string, conflict *route.RouteUpdateConflict) {
	if s.bus == nil {
		return
	}
	if err := s.groupSync(groupID).BroadcastConflict(ctx, conflict); err != nil {
		s.logger.Warn("conflict broadcast failed", zap.String("group_id", groupID), zap.Error(err))
	}
}

// groupSync returns the server-side realtime facade for one group,
// creating and subscribing it on first use so writes from peer
// instances land in this instance's cache too.
func (s *Service) groupSync(groupID string) *realtime.RouteSync {
	s.mu.Lock()
	if existing, ok := s.syncs[groupID]; ok {
		s.mu.Unlock()
		return existing
	}
	groupSync := realtime.NewRouteSync(s.bus, s.logger, realtime.Options{
		GroupID:           groupID,
		UserID:            "server",
		HeartbeatInterval: s.opts.HeartbeatInterval,
		StaleAfter:        s.opts.StaleAfter,
		Passive:           true,
	})
	s.syncs[groupID] = groupSync
	s.mu.Unlock()

	// The facade's own broadcasts are filtered out by sender session,
	// so only peer writes reach these callbacks.
	if err := groupSync.Subscribe(context.Background(), realtime.Callbacks{
		OnRouteUpdated: s.onPeerRouteUpdated(groupID),
		OnRouteDeleted: s.onPeerRouteDeleted(groupID),
	}); err != nil {
		s.logger.Warn("group subscription failed, peer writes will not refresh this cache",
			zap.String("group_id", groupID),
			zap.Error(err))
	}
	return groupSync
}

func (s *Service) onPeerRouteUpdated(groupID string) func(realtime.Event) {
	return func(event realtime.Event) {
		var record route.OptimizedRoute
		if err := json.Unmarshal(event.Payload, &record); err != nil {
			s.logger.Warn("undecodable peer route update",
				zap.String("group_id", groupID),
				zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.cache.SetRoute(ctx, groupID, record.RouteData, record.Version)
	}
}

func (s *Service) onPeerRouteDeleted(groupID string) func(realtime.Event) {
	return func(realtime.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cache.Invalidate(ctx, groupID); err != nil {
			s.logger.Warn("invalidating after peer delete",
				zap.String("group_id", groupID),
				zap.Error(err))
		}
	}
}
