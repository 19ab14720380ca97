// Package store is the persistence adapter for route documents: the
// live optimized_routes record, the append-only route_versions and
// route_change_logs relations, and the denormalized places projection.
// It is the sole source of truth; caches are disposable projections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wayfarer/api/internal/route"
)

const (
	selectRouteQuery = `
		SELECT group_id, route_data, version, fairness_score, total_distance_km, total_duration_minutes, created_at, updated_at
		FROM optimized_routes
		WHERE group_id=$1
	`
	upsertRouteQuery = `
		INSERT INTO optimized_routes (group_id, route_data, version, fairness_score, total_distance_km, total_duration_minutes, created_at, updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (group_id) DO UPDATE
		SET route_data=EXCLUDED.route_data,
			version=GREATEST(optimized_routes.version + 1, EXCLUDED.version),
			fairness_score=EXCLUDED.fairness_score,
			total_distance_km=EXCLUDED.total_distance_km,
			total_duration_minutes=EXCLUDED.total_duration_minutes,
			updated_at=NOW()
		RETURNING version
	`
	casUpdateRouteQuery = `
		UPDATE optimized_routes
		SET route_data=$3::jsonb, version=GREATEST(optimized_routes.version + 1, $4), fairness_score=$5, total_distance_km=$6, total_duration_minutes=$7, updated_at=NOW()
		WHERE group_id=$1 AND version=$2
		RETURNING version
	`
	deleteRouteQuery = `DELETE FROM optimized_routes WHERE group_id=$1`

	insertVersionQuery = `
		INSERT INTO route_versions (id, group_id, version, route_data, changed_by, change_type, description)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`
	insertChangeLogQuery = `
		INSERT INTO route_change_logs (id, group_id, changed_by, change_type, old_value, new_value, impact)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb)
	`
	selectVersionsQuery = `
		SELECT id, group_id, version, route_data, changed_by, change_type, description, created_at
		FROM route_versions
		WHERE group_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
	selectChangeLogsQuery = `
		SELECT id, group_id, changed_by, change_type, COALESCE(old_value::text, ''), COALESCE(new_value::text, ''), COALESCE(impact::text, ''), created_at
		FROM route_change_logs
		WHERE group_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// RouteStore implements the persistent store adapter over Postgres.
type RouteStore struct {
	db     *sql.DB
	logger *zap.Logger

	// now is swappable in tests; versions are minted from it.
	now func() time.Time
}

func NewRouteStore(db *sql.DB, logger *zap.Logger) *RouteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouteStore{db: db, logger: logger, now: time.Now}
}

// Ping verifies the database connection is alive.
func (s *RouteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nextVersion proposes a logical-clock version from the last version
// this connection read. The millisecond timestamp keeps versions
// human-readable; the current+1 floor covers coarse clocks. Strict
// monotonicity is enforced in SQL: both write statements take
// GREATEST(row version + 1, proposal) under the row lock, so writers
// racing this read still mint distinct, increasing versions.
func (s *RouteStore) nextVersion(current int64) int64 {
	version := s.now().UnixMilli()
	if version <= current {
		version = current + 1
	}
	return version
}

// GetRoute returns the live route for the group, or nil when none
// exists. Not-found is a normal result, not an error.
func (s *RouteStore) GetRoute(ctx context.Context, groupID string) (*route.OptimizedRoute, error) {
	var record route.OptimizedRoute
	var rawData []byte
	err := s.db.QueryRowContext(ctx, selectRouteQuery, groupID).Scan(
		&record.GroupID,
		&rawData,
		&record.Version,
		&record.FairnessScore,
		&record.TotalDistanceKm,
		&record.TotalDurationMinutes,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, route.Errorf(route.CodeDatabase, "get route: %v", err)
	}
	if err := json.Unmarshal(rawData, &record.RouteData); err != nil {
		return nil, route.Errorf(route.CodeDatabase, "decode route data: %v", err)
	}
	return &record, nil
}

// SaveOptimizationResult validates and upserts a freshly computed route
// as the live record for the group, minting a new version. The version
// snapshot, change-log entry and places projection are best-effort:
// their failure is logged, never propagated.
func (s *RouteStore) SaveOptimizationResult(ctx context.Context, groupID string, data route.RouteData, metrics *route.OptimizationMetrics, changedBy string) (*route.OptimizedRoute, error) {
	validation := route.Validate(data)
	if !validation.IsValid {
		return nil, &route.Error{
			Code:    route.CodeValidation,
			Message: "route data failed validation",
			Details: validation.Errors,
		}
	}

	if metrics == nil {
		metrics = data.OptimizationMetrics
	}
	if metrics == nil {
		metrics = &route.OptimizationMetrics{}
	}

	current, err := s.GetRoute(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
		s.snapshotVersion(ctx, current, changedBy, route.ChangeTypeOptimization, "pre-optimization snapshot")
	}

	proposed := s.nextVersion(currentVersion)
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, route.Errorf(route.CodeUnknown, "marshal route data: %v", err)
	}

	var newVersion int64
	if err := s.db.QueryRowContext(ctx, upsertRouteQuery,
		groupID, rawData, proposed,
		metrics.FairnessScore, metrics.TotalDistanceKm, metrics.TotalDurationMinutes,
	).Scan(&newVersion); err != nil {
		return nil, route.Errorf(route.CodeDatabase, "upsert route: %v", err)
	}

	s.appendChangeLog(ctx, route.RouteChangeLog{
		GroupID:    groupID,
		ChangedBy:  changedBy,
		ChangeType: route.ChangeTypeOptimization,
		OldValue:   marshalOld(current),
		NewValue:   rawData,
		Impact:     impactBetween(current, metrics, data),
	})
	s.replacePlaces(ctx, groupID, data)

	now := s.now()
	saved := &route.OptimizedRoute{
		GroupID:              groupID,
		RouteData:            data,
		Version:              newVersion,
		FairnessScore:        metrics.FairnessScore,
		TotalDistanceKm:      metrics.TotalDistanceKm,
		TotalDurationMinutes: metrics.TotalDurationMinutes,
		UpdatedAt:            now,
		CreatedAt:            now,
	}
	if current != nil {
		saved.CreatedAt = current.CreatedAt
	}
	return saved, nil
}

// UpdateRoute applies a partial update under optimistic concurrency.
// A version mismatch raises a *route.ConflictError carrying the full
// conflict; no write happens in that case.
func (s *RouteStore) UpdateRoute(ctx context.Context, groupID string, patch route.UpdatePatch, expectedVersion int64, changedBy, changeType string) (*route.OptimizedRoute, error) {
	current, err := s.GetRoute(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, route.Errorf(route.CodeNotFound, "no route for group %s", groupID)
	}
	if current.Version != expectedVersion {
		return nil, &route.ConflictError{Conflict: &route.RouteUpdateConflict{
			GroupID:           groupID,
			LocalVersion:      expectedVersion,
			ServerVersion:     current.Version,
			ConflictingFields: patch.Fields(),
			LocalChanges:      patch,
			ServerData:        current.RouteData,
			DetectedAt:        s.now(),
		}}
	}

	merged, err := patch.Apply(current.RouteData)
	if err != nil {
		return nil, &route.Error{Code: route.CodeValidation, Message: "malformed update patch", Details: err.Error()}
	}
	validation := route.Validate(merged)
	if !validation.IsValid {
		return nil, &route.Error{
			Code:    route.CodeValidation,
			Message: "merged route data failed validation",
			Details: validation.Errors,
		}
	}

	if changeType == "" {
		changeType = route.ChangeTypeManualEdit
	}
	s.snapshotVersion(ctx, current, changedBy, changeType, "pre-update snapshot")

	metrics := merged.OptimizationMetrics
	if metrics == nil {
		metrics = &route.OptimizationMetrics{}
	}
	proposed := s.nextVersion(current.Version)
	rawMerged, err := json.Marshal(merged)
	if err != nil {
		return nil, route.Errorf(route.CodeUnknown, "marshal merged route data: %v", err)
	}

	// The WHERE version=$2 clause re-checks the version inside the
	// statement, so a write racing past the read above still loses.
	var newVersion int64
	err = s.db.QueryRowContext(ctx, casUpdateRouteQuery,
		groupID, expectedVersion, rawMerged, proposed,
		metrics.FairnessScore, metrics.TotalDistanceKm, metrics.TotalDurationMinutes,
	).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		latest, fetchErr := s.GetRoute(ctx, groupID)
		if fetchErr != nil || latest == nil {
			return nil, route.Errorf(route.CodeDatabase, "route changed while updating group %s", groupID)
		}
		return nil, &route.ConflictError{Conflict: &route.RouteUpdateConflict{
			GroupID:           groupID,
			LocalVersion:      expectedVersion,
			ServerVersion:     latest.Version,
			ConflictingFields: patch.Fields(),
			LocalChanges:      patch,
			ServerData:        latest.RouteData,
			DetectedAt:        s.now(),
		}}
	}
	if err != nil {
		return nil, route.Errorf(route.CodeDatabase, "update route: %v", err)
	}

	s.appendChangeLog(ctx, route.RouteChangeLog{
		GroupID:    groupID,
		ChangedBy:  changedBy,
		ChangeType: changeType,
		OldValue:   marshalOld(current),
		NewValue:   marshalPatch(patch),
		Impact:     impactBetween(current, metrics, merged),
	})

	updated := &route.OptimizedRoute{
		GroupID:              groupID,
		RouteData:            merged,
		Version:              newVersion,
		FairnessScore:        metrics.FairnessScore,
		TotalDistanceKm:      metrics.TotalDistanceKm,
		TotalDurationMinutes: metrics.TotalDurationMinutes,
		CreatedAt:            current.CreatedAt,
		UpdatedAt:            s.now(),
	}
	return updated, nil
}

// DeleteRoute removes the live record. Historical snapshots and change
// logs are kept.
func (s *RouteStore) DeleteRoute(ctx context.Context, groupID string, changedBy string) error {
	if _, err := s.db.ExecContext(ctx, deleteRouteQuery, groupID); err != nil {
		return route.Errorf(route.CodeDatabase, "delete route: %v", err)
	}
	s.appendChangeLog(ctx, route.RouteChangeLog{
		GroupID:    groupID,
		ChangedBy:  changedBy,
		ChangeType: route.ChangeTypeDelete,
	})
	return nil
}

// GetRouteVersions lists version snapshots, most recent first.
func (s *RouteStore) GetRouteVersions(ctx context.Context, groupID string, limit int) ([]route.RouteVersion, error) {
	rows, err := s.db.QueryContext(ctx, selectVersionsQuery, groupID, clampLimit(limit))
	if err != nil {
		return nil, route.Errorf(route.CodeDatabase, "list route versions: %v", err)
	}
	defer rows.Close()

	items := make([]route.RouteVersion, 0)
	for rows.Next() {
		var item route.RouteVersion
		var rawData []byte
		if err := rows.Scan(&item.ID, &item.GroupID, &item.Version, &rawData, &item.ChangedBy, &item.ChangeType, &item.Description, &item.CreatedAt); err != nil {
			return nil, route.Errorf(route.CodeDatabase, "scan route version: %v", err)
		}
		if err := json.Unmarshal(rawData, &item.RouteData); err != nil {
			return nil, route.Errorf(route.CodeDatabase, "decode route version data: %v", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, route.Errorf(route.CodeDatabase, "iterate route versions: %v", err)
	}
	return items, nil
}

// GetRouteChangeHistory lists audit entries, most recent first.
func (s *RouteStore) GetRouteChangeHistory(ctx context.Context, groupID string, limit int) ([]route.RouteChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, selectChangeLogsQuery, groupID, clampLimit(limit))
	if err != nil {
		return nil, route.Errorf(route.CodeDatabase, "list change history: %v", err)
	}
	defer rows.Close()

	items := make([]route.RouteChangeLog, 0)
	for rows.Next() {
		var item route.RouteChangeLog
		var oldValue, newValue, impact string
		if err := rows.Scan(&item.ID, &item.GroupID, &item.ChangedBy, &item.ChangeType, &oldValue, &newValue, &impact, &item.CreatedAt); err != nil {
			return nil, route.Errorf(route.CodeDatabase, "scan change log: %v", err)
		}
		if oldValue != "" {
			item.OldValue = json.RawMessage(oldValue)
		}
		if newValue != "" {
			item.NewValue = json.RawMessage(newValue)
		}
		if impact != "" {
			var decoded route.ChangeImpact
			if err := json.Unmarshal([]byte(impact), &decoded); err == nil {
				item.Impact = &decoded
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, route.Errorf(route.CodeDatabase, "iterate change history: %v", err)
	}
	return items, nil
}

// snapshotVersion appends a pre-mutation snapshot. Best-effort: losing a
// history row is recoverable, losing the user's edit is not.
func (s *RouteStore) snapshotVersion(ctx context.Context, current *route.OptimizedRoute, changedBy, changeType, description string) {
	rawData, err := json.Marshal(current.RouteData)
	if err != nil {
		s.logger.Warn("route version snapshot skipped",
			zap.String("group_id", current.GroupID),
			zap.Error(err))
		return
	}
	if _, err := s.db.ExecContext(ctx, insertVersionQuery,
		uuid.NewString(), current.GroupID, current.Version, rawData, changedBy, changeType, description,
	); err != nil {
		s.logger.Warn("route version snapshot failed",
			zap.String("group_id", current.GroupID),
			zap.Int64("version", current.Version),
			zap.Error(err))
	}
}

// appendChangeLog appends an audit entry. Best-effort.
func (s *RouteStore) appendChangeLog(ctx context.Context, entry route.RouteChangeLog) {
	var impactRaw []byte
	if entry.Impact != nil {
		impactRaw, _ = json.Marshal(entry.Impact)
	}
	if _, err := s.db.ExecContext(ctx, insertChangeLogQuery,
		uuid.NewString(), entry.GroupID, entry.ChangedBy, entry.ChangeType,
		nullableJSON(entry.OldValue), nullableJSON(entry.NewValue), nullableJSON(impactRaw),
	); err != nil {
		s.logger.Warn("change log append failed",
			zap.String("group_id", entry.GroupID),
			zap.String("change_type", entry.ChangeType),
			zap.Error(err))
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalOld(current *route.OptimizedRoute) json.RawMessage {
	if current == nil {
		return nil
	}
	raw, err := json.Marshal(current.RouteData)
	if err != nil {
		return nil
	}
	return raw
}

func marshalPatch(patch route.UpdatePatch) json.RawMessage {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil
	}
	return raw
}

// impactBetween computes the audit deltas between the previous live
// record and the incoming metrics.
func impactBetween(previous *route.OptimizedRoute, metrics *route.OptimizationMetrics, data route.RouteData) *route.ChangeImpact {
	if metrics == nil {
		return nil
	}
	impact := &route.ChangeImpact{
		FairnessDelta:     metrics.FairnessScore,
		TimeDeltaMinutes:  metrics.TotalDurationMinutes,
		DistanceDeltaKm:   metrics.TotalDistanceKm,
		SatisfactionDelta: metrics.FairnessScore,
		AffectedUsers:     affectedUsers(data),
	}
	if previous != nil {
		impact.FairnessDelta = metrics.FairnessScore - previous.FairnessScore
		impact.TimeDeltaMinutes = metrics.TotalDurationMinutes - previous.TotalDurationMinutes
		impact.DistanceDeltaKm = metrics.TotalDistanceKm - previous.TotalDistanceKm
		impact.SatisfactionDelta = impact.FairnessDelta
	}
	return impact
}

// affectedUsers collects the distinct users attributed on destinations.
func affectedUsers(data route.RouteData) []string {
	if data.MultiDaySchedule == nil {
		return nil
	}
	seen := map[string]struct{}{}
	users := []string{}
	for _, day := range data.MultiDaySchedule.Days {
		for _, dest := range day.Destinations {
			if dest.AddedBy == "" {
				continue
			}
			if _, ok := seen[dest.AddedBy]; ok {
				continue
			}
			seen[dest.AddedBy] = struct{}{}
			users = append(users, dest.AddedBy)
		}
	}
	return users
}
