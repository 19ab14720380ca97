// Package route defines the shared itinerary document, its persisted
// wrappers, and the optimistic-concurrency conflict protocol types.
package route

import (
	"encoding/json"
	"time"
)

// Route status values produced by the optimization algorithm.
const (
	StatusSuccess            = "success"
	StatusNoFeasibleSolution = "no_feasible_solution"
	StatusAllIncluded        = "all_included"
	StatusOverCapacity       = "over_capacity"
)

// Change types recorded in version snapshots and the change log.
const (
	ChangeTypeOptimization       = "optimization"
	ChangeTypeManualEdit         = "manual_edit"
	ChangeTypeConflictResolution = "conflict_resolution"
	ChangeTypeDelete             = "delete"
)

// RouteData is the collaboratively edited itinerary document. It is
// stored as a single JSONB column; every field tag below is part of the
// persisted document shape.
type RouteData struct {
	Status              string               `json:"status"`
	MultiDaySchedule    *MultiDaySchedule    `json:"multiDaySchedule,omitempty"`
	OptimizationMetrics *OptimizationMetrics `json:"optimizationMetrics,omitempty"`
	VisualizationData   *VisualizationData   `json:"visualizationData,omitempty"`
	GenerationInfo      *GenerationInfo      `json:"generationInfo,omitempty"`
}

type MultiDaySchedule struct {
	Days []ScheduledDay `json:"days"`
}

type ScheduledDay struct {
	Date         string                 `json:"date"`
	Destinations []ScheduledDestination `json:"destinations"`
}

// ScheduledDestination is one visit within a day. Lat/Lng are pointers
// so a missing coordinate is distinguishable from 0,0.
type ScheduledDestination struct {
	DestinationID    string            `json:"destinationId"`
	Name             string            `json:"name,omitempty"`
	Lat              *float64          `json:"lat"`
	Lng              *float64          `json:"lng"`
	StartTime        string            `json:"startTime"`
	EndTime          string            `json:"endTime"`
	AllocatedMinutes int               `json:"allocatedMinutes"`
	Color            string            `json:"color,omitempty"`
	AddedBy          string            `json:"addedBy,omitempty"`
	TransportToNext  *TransportSegment `json:"transportToNext,omitempty"`
}

type TransportSegment struct {
	Mode            string  `json:"mode"`
	DurationMinutes int     `json:"durationMinutes"`
	DistanceKm      float64 `json:"distanceKm"`
}

type OptimizationMetrics struct {
	FairnessScore        float64 `json:"fairnessScore"`
	TotalDistanceKm      float64 `json:"totalDistanceKm"`
	TotalDurationMinutes int     `json:"totalDurationMinutes"`
	ClusterCount         int     `json:"clusterCount"`
	DestinationCount     int     `json:"destinationCount"`
}

// VisualizationData is derived, render-ready data carried along with the
// schedule so clients never recompute it.
type VisualizationData struct {
	Bounds            *MapBounds        `json:"bounds,omitempty"`
	DestinationColors map[string]string `json:"destinationColors,omitempty"`
	Polylines         []Polyline        `json:"polylines,omitempty"`
}

type MapBounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

type Polyline struct {
	DayIndex int        `json:"dayIndex"`
	Points   []GeoPoint `json:"points"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type GenerationInfo struct {
	AlgorithmVersion string          `json:"algorithmVersion,omitempty"`
	GeneratedAt      string          `json:"generatedAt,omitempty"`
	InputSnapshot    json.RawMessage `json:"inputSnapshot,omitempty"`
}

// OptimizedRoute is the single live persisted record per group. Version
// is a logical clock, strictly increasing across successful writes.
type OptimizedRoute struct {
	GroupID              string    `json:"groupId"`
	RouteData            RouteData `json:"routeData"`
	Version              int64     `json:"version"`
	FairnessScore        float64   `json:"fairnessScore"`
	TotalDistanceKm      float64   `json:"totalDistanceKm"`
	TotalDurationMinutes int       `json:"totalDurationMinutes"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// RouteVersion is an immutable pre-mutation snapshot used for history
// and rollback. Normal operation never mutates or deletes these rows.
type RouteVersion struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"groupId"`
	Version     int64     `json:"version"`
	RouteData   RouteData `json:"routeData"`
	ChangedBy   string    `json:"changedBy"`
	ChangeType  string    `json:"changeType"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RouteChangeLog is an append-only audit entry. Writing one is always
// best-effort relative to the primary operation.
type RouteChangeLog struct {
	ID         string          `json:"id"`
	GroupID    string          `json:"groupId"`
	ChangedBy  string          `json:"changedBy"`
	ChangeType string          `json:"changeType"`
	OldValue   json.RawMessage `json:"oldValue,omitempty"`
	NewValue   json.RawMessage `json:"newValue,omitempty"`
	Impact     *ChangeImpact   `json:"impact,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type ChangeImpact struct {
	FairnessDelta     float64  `json:"fairnessDelta"`
	TimeDeltaMinutes  int      `json:"timeDeltaMinutes"`
	DistanceDeltaKm   float64  `json:"distanceDeltaKm"`
	AffectedUsers     []string `json:"affectedUsers,omitempty"`
	SatisfactionDelta float64  `json:"satisfactionDelta"`
}

// RouteUpdateConflict is the ephemeral value produced when a caller's
// expected version disagrees with the stored one. It is returned to the
// caller, broadcast to other collaborators, consumed by a resolution
// call, then discarded.
type RouteUpdateConflict struct {
	GroupID           string      `json:"groupId"`
	LocalVersion      int64       `json:"localVersion"`
	ServerVersion     int64       `json:"serverVersion"`
	ConflictingFields []string    `json:"conflictingFields"`
	LocalChanges      UpdatePatch `json:"localChanges"`
	ServerData        RouteData   `json:"serverData"`
	DetectedAt        time.Time   `json:"detectedAt"`
}

// Resolution strategies accepted by ResolveConflict.
const (
	ResolveServerWins = "server_wins"
	ResolveClientWins = "client_wins"
	ResolveMerge      = "merge"
)
