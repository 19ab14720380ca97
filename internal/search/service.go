package search

import (
	"context"

	"go.uber.org/zap"

	"wayfarer/api/internal/store"
)

// PlaceSearcher is the Postgres fallback, satisfied by *store.RouteStore.
type PlaceSearcher interface {
	SearchPlaces(ctx context.Context, query, groupID string, limit int) ([]store.Place, error)
}

// Response is the place search payload returned to HTTP handlers.
type Response struct {
	Results []PlaceDocument `json:"results"`
	Query   string          `json:"query"`
	Source  string          `json:"source"`
}

// Service tries Meilisearch first and falls back to a Postgres
// substring match when Meilisearch is down or unconfigured.
type Service struct {
	meili    *Meili
	fallback PlaceSearcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, fallback PlaceSearcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Search returns places matching query, optionally scoped to one group.
func (s *Service) Search(ctx context.Context, query, groupID string, limit int) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(query, groupID, limit)
		if err == nil {
			return Response{Results: nonNil(results), Query: query, Source: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	places, err := s.fallback.SearchPlaces(ctx, query, groupID, limit)
	if err != nil {
		s.logger.Error("postgres place search failed", zap.Error(err))
		return Response{Results: []PlaceDocument{}, Query: query, Source: "postgres"}
	}
	return Response{Results: nonNil(placesToDocuments(places)), Query: query, Source: "postgres"}
}

// IndexGroup replaces the indexed places for a group, fire-and-forget.
// Called after successful optimization saves.
func (s *Service) IndexGroup(groupID string, places []store.Place) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.ReplaceGroupPlaces(groupID, places); err != nil {
			s.logger.Warn("index group places", zap.String("group_id", groupID), zap.Error(err))
		}
	}()
}

// RemoveGroup drops a group's indexed places, fire-and-forget. Called
// after route deletion.
func (s *Service) RemoveGroup(groupID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.ReplaceGroupPlaces(groupID, nil); err != nil {
			s.logger.Warn("remove group places", zap.String("group_id", groupID), zap.Error(err))
		}
	}()
}

func placesToDocuments(places []store.Place) []PlaceDocument {
	docs := make([]PlaceDocument, 0, len(places))
	for _, place := range places {
		docs = append(docs, PlaceDocument{
			ID:               place.GroupID + "-" + place.DestinationID,
			GroupID:          place.GroupID,
			DestinationID:    place.DestinationID,
			Name:             place.Name,
			Lat:              place.Lat,
			Lng:              place.Lng,
			DayDate:          place.DayDate,
			StartTime:        place.StartTime,
			EndTime:          place.EndTime,
			AllocatedMinutes: place.AllocatedMinutes,
			AddedBy:          place.AddedBy,
		})
	}
	return docs
}

func nonNil(docs []PlaceDocument) []PlaceDocument {
	if docs == nil {
		return []PlaceDocument{}
	}
	return docs
}
