package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wayfarer/api/internal/cache"
	"wayfarer/api/internal/realtime"
	"wayfarer/api/internal/route"
	"wayfarer/api/internal/store"
)

type fakeStore struct {
	ping        func(context.Context) error
	getRoute    func(context.Context, string) (*route.OptimizedRoute, error)
	save        func(context.Context, string, route.RouteData, *route.OptimizationMetrics, string) (*route.OptimizedRoute, error)
	update      func(context.Context, string, route.UpdatePatch, int64, string, string) (*route.OptimizedRoute, error)
	deleteRoute func(context.Context, string, string) error
	versions    func(context.Context, string, int) ([]route.RouteVersion, error)
	history     func(context.Context, string, int) ([]route.RouteChangeLog, error)
	listPlaces  func(context.Context, string) ([]store.Place, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.ping != nil {
		return f.ping(ctx)
	}
	return nil
}

func (f *fakeStore) GetRoute(ctx context.Context, groupID string) (*route.OptimizedRoute, error) {
	if f.getRoute != nil {
		return f.getRoute(ctx, groupID)
	}
	return nil, nil
}

func (f *fakeStore) SaveOptimizationResult(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error) {
	if f.save != nil {
		return f.save(ctx, groupID, data, metrics, changedBy)
	}
	return &route.OptimizedRoute{GroupID: groupID, RouteData: data, Version: 1}, nil
}

func (f *fakeStore) UpdateRoute(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error) {
	if f.update != nil {
		return f.update(ctx, groupID, patch, expectedVersion, changedBy, changeType)
	}
	return nil, errors.New("update not stubbed")
}

func (f *fakeStore) DeleteRoute(ctx context.Context, groupID string, changedBy string) error {
	if f.deleteRoute != nil {
		return f.deleteRoute(ctx, groupID, changedBy)
	}
	return nil
}

func (f *fakeStore) GetRouteVersions(ctx context.Context, groupID string, limit int) ([]route.RouteVersion, error) {
	if f.versions != nil {
		return f.versions(ctx, groupID, limit)
	}
	return nil, nil
}

func (f *fakeStore) GetRouteChangeHistory(ctx context.Context, groupID string, limit int) ([]route.RouteChangeLog, error) {
	if f.history != nil {
		return f.history(ctx, groupID, limit)
	}
	return nil, nil
}

func (f *fakeStore) ListPlaces(ctx context.Context, groupID string) ([]store.Place, error) {
	if f.listPlaces != nil {
		return f.listPlaces(ctx, groupID)
	}
	return nil, nil
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]cache.CachedRoute
	setCalls    int
	invalidated []string
	invalidErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]cache.CachedRoute)}
}

func (f *fakeCache) GetRoute(ctx context.Context, groupID string, fetch func(context.Context) (*cache.CachedRoute, error)) (*cache.CachedRoute, bool, error) {
	f.mu.Lock()
	entry, ok := f.entries[groupID]
	f.mu.Unlock()
	if ok {
		return &entry, true, nil
	}
	fetched, err := fetch(ctx)
	if err != nil || fetched == nil {
		return nil, false, err
	}
	f.mu.Lock()
	f.entries[groupID] = *fetched
	f.mu.Unlock()
	return fetched, false, nil
}

func (f *fakeCache) SetRoute(ctx context.Context, groupID string, data route.RouteData, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	f.entries[groupID] = cache.CachedRoute{GroupID: groupID, Data: data, Version: version}
}

func (f *fakeCache) Invalidate(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, groupID)
	delete(f.entries, groupID)
	return f.invalidErr
}

func (f *fakeCache) Stats() cache.Metrics { return cache.Metrics{} }

type published struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
	presence  map[string]map[string][]byte
	pingErr   error
}

func newFakeBus() *fakeBus {
	return &fakeBus{presence: make(map[string]map[string][]byte)}
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (realtime.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{channel: channel, payload: payload})
	return nil
}

func (f *fakeBus) PresenceTrack(ctx context.Context, groupID, sessionID string, state []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presence[groupID] == nil {
		f.presence[groupID] = make(map[string][]byte)
	}
	f.presence[groupID][sessionID] = state
	return nil
}

func (f *fakeBus) PresenceUntrack(ctx context.Context, groupID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.presence[groupID], sessionID)
	return nil
}

func (f *fakeBus) PresenceList(ctx context.Context, groupID string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.presence[groupID]))
	for k, v := range f.presence[groupID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBus) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeBus) events(t *testing.T) []realtime.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	parsed := make([]realtime.Event, 0, len(f.published))
	for _, p := range f.published {
		var event realtime.Event
		if err := json.Unmarshal(p.payload, &event); err != nil {
			t.Fatalf("malformed published event: %v", err)
		}
		parsed = append(parsed, event)
	}
	return parsed
}

func newTestService(dataStore dataStore, routeCache routeCache, bus realtime.Bus) *Service {
	return NewService(dataStore, routeCache, bus, nil, zap.NewNop(), Options{
		BatchMaxSize: 2,
		BatchDelay:   5 * time.Millisecond,
	})
}

func testData(status string) route.RouteData {
	return route.RouteData{
		Status: status,
		MultiDaySchedule: &route.MultiDaySchedule{Days: []route.ScheduledDay{{
			Date: "2026-05-01",
		}}},
		OptimizationMetrics: &route.OptimizationMetrics{},
		GenerationInfo:      &route.GenerationInfo{GeneratedAt: "2026-05-01T10:00:00Z", AlgorithmVersion: "v2"},
	}
}

func TestGetRouteCacheFirst(t *testing.T) {
	fetches := 0
	st := &fakeStore{
		getRoute: func(ctx context.Context, groupID string) (*route.OptimizedRoute, error) {
			fetches++
			return &route.OptimizedRoute{GroupID: groupID, RouteData: testData(route.StatusSuccess), Version: 5}, nil
		},
	}
	svc := newTestService(st, newFakeCache(), nil)
	defer svc.Dispose(context.Background())

	first := svc.GetRoute(context.Background(), "trip-1")
	if !first.Success || first.Cached {
		t.Fatalf("first read: success=%v cached=%v", first.Success, first.Cached)
	}
	if first.Version != 5 {
		t.Fatalf("version = %d, want 5", first.Version)
	}

	second := svc.GetRoute(context.Background(), "trip-1")
	if !second.Success || !second.Cached {
		t.Fatalf("second read: success=%v cached=%v", second.Success, second.Cached)
	}
	if fetches != 1 {
		t.Fatalf("store fetched %d times, want 1", fetches)
	}
}

func TestGetRouteMissingIsNotFoundResult(t *testing.T) {
	svc := newTestService(&fakeStore{}, newFakeCache(), nil)
	defer svc.Dispose(context.Background())

	result := svc.GetRoute(context.Background(), "trip-absent")
	if result.Success {
		t.Fatal("expected failure result")
	}
	if route.ErrCode(result.Err) != route.CodeNotFound {
		t.Fatalf("code = %s, want %s", route.ErrCode(result.Err), route.CodeNotFound)
	}
}

func TestSaveUpdatesCacheAndBroadcasts(t *testing.T) {
	st := &fakeStore{
		save: func(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error) {
			return &route.OptimizedRoute{GroupID: groupID, RouteData: data, Version: 9}, nil
		},
	}
	fc := newFakeCache()
	bus := newFakeBus()
	svc := newTestService(st, fc, bus)
	defer svc.Dispose(context.Background())

	result := svc.SaveOptimizationResult(context.Background(), "trip-1", testData(route.StatusSuccess), nil, "alice")
	if !result.Success {
		t.Fatalf("save failed: %v", result.Err)
	}
	if result.Route.Version != 9 {
		t.Fatalf("version = %d, want 9", result.Route.Version)
	}
	if fc.setCalls != 1 {
		t.Fatalf("cache set %d times, want 1", fc.setCalls)
	}

	events := bus.events(t)
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	if events[0].Type != realtime.EventRouteUpdated || events[0].Version != 9 {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if events[0].ChangeType != route.ChangeTypeOptimization {
		t.Fatalf("change type = %s", events[0].ChangeType)
	}
}

func TestSaveFailureSettlesCaller(t *testing.T) {
	st := &fakeStore{
		save: func(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error) {
			return nil, route.NewError(route.CodeDatabase, "insert failed")
		},
	}
	fc := newFakeCache()
	svc := newTestService(st, fc, nil)
	defer svc.Dispose(context.Background())

	result := svc.SaveOptimizationResult(context.Background(), "trip-1", testData(route.StatusSuccess), nil, "alice")
	if result.Success {
		t.Fatal("expected failure result")
	}
	if route.ErrCode(result.Err) != route.CodeDatabase {
		t.Fatalf("code = %s", route.ErrCode(result.Err))
	}
	if fc.setCalls != 0 {
		t.Fatal("cache must not be updated on failed save")
	}
}

func TestUpdateConflictBroadcastsAndReturnsConflict(t *testing.T) {
	conflict := &route.RouteUpdateConflict{
		GroupID:           "trip-1",
		LocalVersion:      5,
		ServerVersion:     6,
		ConflictingFields: []string{"status"},
		ServerData:        testData(route.StatusOverCapacity),
	}
	st := &fakeStore{
		update: func(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error) {
			return nil, &route.ConflictError{Conflict: conflict}
		},
	}
	bus := newFakeBus()
	svc := newTestService(st, newFakeCache(), bus)
	defer svc.Dispose(context.Background())

	patch := route.UpdatePatch{"status": json.RawMessage(`"success"`)}
	result := svc.UpdateRoute(context.Background(), "trip-1", patch, 5, "bob")
	if result.Success {
		t.Fatal("expected conflict result")
	}
	if result.Conflict == nil || result.Conflict.ServerVersion != 6 {
		t.Fatalf("conflict = %+v", result.Conflict)
	}

	events := bus.events(t)
	if len(events) != 1 || events[0].Type != realtime.EventConflictDetected {
		t.Fatalf("events = %+v", events)
	}
}

func TestUpdateSuccessRefreshesCache(t *testing.T) {
	st := &fakeStore{
		update: func(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error) {
			if changeType != route.ChangeTypeManualEdit {
				t.Fatalf("change type = %s", changeType)
			}
			return &route.OptimizedRoute{GroupID: groupID, RouteData: testData(route.StatusSuccess), Version: expectedVersion + 1}, nil
		},
	}
	fc := newFakeCache()
	svc := newTestService(st, fc, nil)
	defer svc.Dispose(context.Background())

	patch := route.UpdatePatch{"status": json.RawMessage(`"success"`)}
	result := svc.UpdateRoute(context.Background(), "trip-1", patch, 5, "bob")
	if !result.Success {
		t.Fatalf("update failed: %v", result.Err)
	}
	if entry, ok := fc.entries["trip-1"]; !ok || entry.Version != 6 {
		t.Fatalf("cache entry %+v ok=%v", entry, ok)
	}
}

func TestResolveServerWinsNeverWrites(t *testing.T) {
	writes := 0
	serverRecord := &route.OptimizedRoute{GroupID: "trip-1", RouteData: testData(route.StatusSuccess), Version: 7}
	st := &fakeStore{
		getRoute: func(ctx context.Context, groupID string) (*route.OptimizedRoute, error) {
			return serverRecord, nil
		},
		update: func(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error) {
			writes++
			return nil, errors.New("must not write")
		},
	}
	fc := newFakeCache()
	svc := newTestService(st, fc, nil)
	defer svc.Dispose(context.Background())

	conflict := route.RouteUpdateConflict{GroupID: "trip-1", LocalVersion: 5, ServerVersion: 7}
	result := svc.ResolveConflict(context.Background(), "trip-1", conflict, route.ResolveServerWins, nil, "bob")
	if !result.Success {
		t.Fatalf("resolve failed: %v", result.Err)
	}
	if writes != 0 {
		t.Fatal("server_wins must not write")
	}
	if result.Route.Version != 7 {
		t.Fatalf("version = %d, want 7", result.Route.Version)
	}
	if entry := fc.entries["trip-1"]; entry.Version != 7 {
		t.Fatalf("cache version = %d, want 7", entry.Version)
	}
}

func TestResolveClientWinsWritesLocalChangesAgainstServerVersion(t *testing.T) {
	var gotPatch route.UpdatePatch
	var gotVersion int64
	var gotChangeType string
	st := &fakeStore{
		update: func(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error) {
			gotPatch, gotVersion, gotChangeType = patch, expectedVersion, changeType
			return &route.OptimizedRoute{GroupID: groupID, RouteData: testData(route.StatusSuccess), Version: expectedVersion + 1}, nil
		},
	}
	svc := newTestService(st, newFakeCache(), nil)
	defer svc.Dispose(context.Background())

	local := route.UpdatePatch{"status": json.RawMessage(`"all_included"`)}
	conflict := route.RouteUpdateConflict{GroupID: "trip-1", LocalVersion: 5, ServerVersion: 7, LocalChanges: local}
	result := svc.ResolveConflict(context.Background(), "trip-1", conflict, route.ResolveClientWins, nil, "bob")
	if !result.Success {
		t.Fatalf("resolve failed: %v", result.Err)
	}
	if gotVersion != 7 {
		t.Fatalf("expected version base 7, got %d", gotVersion)
	}
	if string(gotPatch["status"]) != `"all_included"` {
		t.Fatalf("patch = %v", gotPatch)
	}
	if gotChangeType != route.ChangeTypeConflictResolution {
		t.Fatalf("change type = %s", gotChangeType)
	}
}

func TestResolveMergeRequiresMergedData(t *testing.T) {
	svc := newTestService(&fakeStore{}, newFakeCache(), nil)
	defer svc.Dispose(context.Background())

	conflict := route.RouteUpdateConflict{GroupID: "trip-1", ServerVersion: 7}
	result := svc.ResolveConflict(context.Background(), "trip-1", conflict, route.ResolveMerge, nil, "bob")
	if result.Success {
		t.Fatal("expected failure")
	}
	if route.ErrCode(result.Err) != route.CodeValidation {
		t.Fatalf("code = %s", route.ErrCode(result.Err))
	}
}

func TestResolveUnknownStrategyFails(t *testing.T) {
	svc := newTestService(&fakeStore{}, newFakeCache(), nil)
	defer svc.Dispose(context.Background())

	result := svc.ResolveConflict(context.Background(), "trip-1", route.RouteUpdateConflict{}, "coin_flip", nil, "bob")
	if result.Success || route.ErrCode(result.Err) != route.CodeValidation {
		t.Fatalf("result = %+v", result)
	}
}

func TestDeleteInvalidatesAndBroadcasts(t *testing.T) {
	fc := newFakeCache()
	bus := newFakeBus()
	svc := newTestService(&fakeStore{}, fc, bus)
	defer svc.Dispose(context.Background())

	if err := svc.DeleteRoute(context.Background(), "trip-1", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fc.invalidated) != 1 || fc.invalidated[0] != "trip-1" {
		t.Fatalf("invalidated = %v", fc.invalidated)
	}
	events := bus.events(t)
	if len(events) != 1 || events[0].Type != realtime.EventRouteDeleted {
		t.Fatalf("events = %+v", events)
	}
}

func TestDeleteSurfacesInvalidationError(t *testing.T) {
	fc := newFakeCache()
	fc.invalidErr = route.NewError(route.CodeCacheInvalidation, "redis down")
	svc := newTestService(&fakeStore{}, fc, nil)
	defer svc.Dispose(context.Background())

	err := svc.DeleteRoute(context.Background(), "trip-1", "alice")
	if route.ErrCode(err) != route.CodeCacheInvalidation {
		t.Fatalf("code = %s", route.ErrCode(err))
	}
}

func TestEditingStatusTracksPresence(t *testing.T) {
	bus := newFakeBus()
	svc := newTestService(&fakeStore{}, newFakeCache(), bus)
	defer svc.Dispose(context.Background())

	err := svc.UpdateEditingStatus(context.Background(), "trip-1", realtime.PresenceUser{
		UserID:    "alice",
		SessionID: "sess-1",
		Editing:   &realtime.EditingPointer{DestinationID: "dest-9", Field: "startTime"},
	})
	if err != nil {
		t.Fatalf("editing status: %v", err)
	}

	users, err := svc.GetActiveUsers(context.Background(), "trip-1")
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 1 || users[0].Editing == nil || users[0].Editing.DestinationID != "dest-9" {
		t.Fatalf("users = %+v", users)
	}
}

func TestEditingStatusRequiresSession(t *testing.T) {
	svc := newTestService(&fakeStore{}, newFakeCache(), newFakeBus())
	defer svc.Dispose(context.Background())

	err := svc.UpdateEditingStatus(context.Background(), "trip-1", realtime.PresenceUser{UserID: "alice"})
	if route.ErrCode(err) != route.CodeValidation {
		t.Fatalf("code = %s", route.ErrCode(err))
	}
}

func TestDisposeIsIdempotentAndFlushes(t *testing.T) {
	saves := 0
	var mu sync.Mutex
	st := &fakeStore{
		save: func(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error) {
			mu.Lock()
			saves++
			mu.Unlock()
			return &route.OptimizedRoute{GroupID: groupID, RouteData: data, Version: 1}, nil
		},
	}
	svc := NewService(st, newFakeCache(), nil, nil, zap.NewNop(), Options{
		BatchMaxSize: 10,
		BatchDelay:   time.Hour,
	})

	done := make(chan WriteResult, 1)
	go func() {
		done <- svc.SaveOptimizationResult(context.Background(), "trip-1", testData(route.StatusSuccess), nil, "alice")
	}()
	time.Sleep(20 * time.Millisecond)

	svc.Dispose(context.Background())
	svc.Dispose(context.Background())

	result := <-done
	if !result.Success {
		t.Fatalf("save after dispose flush: %v", result.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if saves != 1 {
		t.Fatalf("saves = %d, want 1", saves)
	}
}

func TestBatchUpdateRoutesAllSettled(t *testing.T) {
	st := &fakeStore{
		save: func(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error) {
			if groupID == "trip-bad" {
				return nil, route.NewError(route.CodeDatabase, "insert failed")
			}
			return &route.OptimizedRoute{GroupID: groupID, RouteData: data, Version: 3}, nil
		},
	}

	results := BatchUpdateRoutes(context.Background(), st, newFakeCache(), zap.NewNop(), []BatchSave{
		{GroupID: "trip-a", Data: testData(route.StatusSuccess), ChangedBy: "alice"},
		{GroupID: "trip-bad", Data: testData(route.StatusSuccess), ChangedBy: "alice"},
		{GroupID: "trip-c", Data: testData(route.StatusSuccess), ChangedBy: "alice"},
	})

	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if !results[0].Success || !results[2].Success {
		t.Fatalf("expected outer items to succeed: %+v", results)
	}
	if results[1].Success || route.ErrCode(results[1].Err) != route.CodeDatabase {
		t.Fatalf("middle item = %+v", results[1])
	}
}

func setupRedisBus(t *testing.T) *realtime.RedisBus {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return realtime.NewRedisBus(client)
}

func eventually(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPeerWritesRefreshLocalCache(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	localCache := newFakeCache()
	local := newTestService(&fakeStore{}, localCache, bus)
	defer local.Dispose(ctx)

	// Touching the group makes the local instance subscribe to it.
	if _, err := local.GetActiveUsers(ctx, "trip-42"); err != nil {
		t.Fatalf("presence lookup failed: %v", err)
	}

	peer := newTestService(&fakeStore{}, newFakeCache(), bus)
	defer peer.Dispose(ctx)

	result := peer.SaveOptimizationResult(ctx, "trip-42", testData(route.StatusSuccess), nil, "user-b")
	if !result.Success {
		t.Fatalf("peer save failed: %v", result.Err)
	}

	eventually(t, "peer write to land in the local cache", func() bool {
		localCache.mu.Lock()
		defer localCache.mu.Unlock()
		entry, ok := localCache.entries["trip-42"]
		return ok && entry.Version == result.Route.Version
	})
}

func TestPeerDeleteInvalidatesLocalCache(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	localCache := newFakeCache()
	localCache.entries["trip-42"] = cache.CachedRoute{GroupID: "trip-42", Version: 3}
	local := newTestService(&fakeStore{}, localCache, bus)
	defer local.Dispose(ctx)

	if _, err := local.GetActiveUsers(ctx, "trip-42"); err != nil {
		t.Fatalf("presence lookup failed: %v", err)
	}

	peer := newTestService(&fakeStore{}, newFakeCache(), bus)
	defer peer.Dispose(ctx)

	if err := peer.DeleteRoute(ctx, "trip-42", "user-b"); err != nil {
		t.Fatalf("peer delete failed: %v", err)
	}

	eventually(t, "peer delete to invalidate the local cache", func() bool {
		localCache.mu.Lock()
		defer localCache.mu.Unlock()
		_, present := localCache.entries["trip-42"]
		return !present
	})
}
