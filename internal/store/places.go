package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"wayfarer/api/internal/route"
)

// Place is one row of the denormalized per-destination projection kept
// for queryability. The projection is fully replaced on every
// successful optimization save.
type Place struct {
	ID               int64   `json:"id"`
	GroupID          string  `json:"groupId"`
	DestinationID    string  `json:"destinationId"`
	Name             string  `json:"name"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	DayDate          string  `json:"dayDate"`
	StartTime        string  `json:"startTime"`
	EndTime          string  `json:"endTime"`
	AllocatedMinutes int     `json:"allocatedMinutes"`
	Color            string  `json:"color"`
	AddedBy          string  `json:"addedBy"`
	Position         int     `json:"position"`
}

const (
	deletePlacesQuery = `DELETE FROM places WHERE group_id=$1`
	insertPlaceQuery  = `
		INSERT INTO places (group_id, destination_id, name, lat, lng, day_date, start_time, end_time, allocated_minutes, color, added_by, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	selectPlacesQuery = `
		SELECT id, group_id, destination_id, name, COALESCE(lat, 0), COALESCE(lng, 0), day_date, start_time, end_time, allocated_minutes, color, added_by, position
		FROM places
		WHERE group_id=$1
		ORDER BY position ASC
	`
	searchPlacesQuery = `
		SELECT id, group_id, destination_id, name, COALESCE(lat, 0), COALESCE(lng, 0), day_date, start_time, end_time, allocated_minutes, color, added_by, position
		FROM places
		WHERE name ILIKE '%' || $1 || '%'
		  AND ($2='' OR group_id=$2)
		ORDER BY name ASC
		LIMIT $3
	`
)

// replacePlaces rebuilds the projection for one group with
// delete-then-insert semantics. Best-effort: a projection failure never
// rolls back the primary save.
func (s *RouteStore) replacePlaces(ctx context.Context, groupID string, data route.RouteData) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("places projection skipped", zap.String("group_id", groupID), zap.Error(err))
		return
	}
	if err := replacePlacesTx(ctx, tx, groupID, data); err != nil {
		_ = tx.Rollback()
		s.logger.Warn("places projection failed", zap.String("group_id", groupID), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("places projection commit failed", zap.String("group_id", groupID), zap.Error(err))
	}
}

func replacePlacesTx(ctx context.Context, tx *sql.Tx, groupID string, data route.RouteData) error {
	if _, err := tx.ExecContext(ctx, deletePlacesQuery, groupID); err != nil {
		return err
	}
	if data.MultiDaySchedule == nil {
		return nil
	}
	position := 0
	for _, day := range data.MultiDaySchedule.Days {
		for _, dest := range day.Destinations {
			var lat, lng any
			if dest.Lat != nil {
				lat = *dest.Lat
			}
			if dest.Lng != nil {
				lng = *dest.Lng
			}
			if _, err := tx.ExecContext(ctx, insertPlaceQuery,
				groupID, dest.DestinationID, dest.Name, lat, lng,
				day.Date, dest.StartTime, dest.EndTime,
				dest.AllocatedMinutes, dest.Color, dest.AddedBy, position,
			); err != nil {
				return err
			}
			position++
		}
	}
	return nil
}

// ListPlaces returns the projection rows for a group in schedule order.
func (s *RouteStore) ListPlaces(ctx context.Context, groupID string) ([]Place, error) {
	return s.queryPlaces(ctx, selectPlacesQuery, groupID)
}

// SearchPlaces is the Postgres fallback for place search, a substring
// match over the projection.
func (s *RouteStore) SearchPlaces(ctx context.Context, query, groupID string, limit int) ([]Place, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.queryPlaces(ctx, searchPlacesQuery, query, groupID, limit)
}

func (s *RouteStore) queryPlaces(ctx context.Context, query string, args ...any) ([]Place, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, route.Errorf(route.CodeDatabase, "query places: %v", err)
	}
	defer rows.Close()

	items := make([]Place, 0)
	for rows.Next() {
		var item Place
		if err := rows.Scan(
			&item.ID, &item.GroupID, &item.DestinationID, &item.Name,
			&item.Lat, &item.Lng, &item.DayDate, &item.StartTime, &item.EndTime,
			&item.AllocatedMinutes, &item.Color, &item.AddedBy, &item.Position,
		); err != nil {
			return nil, route.Errorf(route.CodeDatabase, "scan place: %v", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, route.Errorf(route.CodeDatabase, "iterate places: %v", err)
	}
	return items, nil
}
