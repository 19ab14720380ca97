// Package search indexes the denormalized places projection for place
// lookup: Meilisearch when it is reachable, a Postgres substring match
// otherwise. Indexing is always fire-and-forget — search freshness is a
// convenience, never part of the write path's correctness.
package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"wayfarer/api/internal/store"
)

const idxPlaces = "wayfarer_places"

// PlaceDocument is the indexed shape of one place row.
type PlaceDocument struct {
	ID               string  `json:"id"`
	GroupID          string  `json:"groupId"`
	DestinationID    string  `json:"destinationId"`
	Name             string  `json:"name"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	DayDate          string  `json:"dayDate"`
	StartTime        string  `json:"startTime"`
	EndTime          string  `json:"endTime"`
	AllocatedMinutes int     `json:"allocatedMinutes"`
	AddedBy          string  `json:"addedBy"`
}

// Meili wraps the Meilisearch place index with a background health
// check so a flaky instance degrades to the Postgres fallback instead
// of failing searches.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))
	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPlaces,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create places index (may already exist)", zap.Error(err))
	}

	index := m.client.Index(idxPlaces)
	filterable := []interface{}{"groupId", "dayDate", "addedBy"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"name", "destinationId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring place index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// ReplaceGroupPlaces swaps the indexed places for one group, mirroring
// the store's delete-then-insert projection semantics.
func (m *Meili) ReplaceGroupPlaces(groupID string, places []store.Place) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	index := m.client.Index(idxPlaces)

	if _, err := index.DeleteDocumentsByFilter(fmt.Sprintf("groupId = %q", groupID), nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("delete group places: %w", err)
	}
	if len(places) == 0 {
		return nil
	}

	docs := make([]PlaceDocument, 0, len(places))
	for _, place := range places {
		docs = append(docs, PlaceDocument{
			ID:               fmt.Sprintf("%s-%s-%d", place.GroupID, place.DestinationID, place.Position),
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
	if _, err := index.AddDocuments(docs, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index group places: %w", err)
	}
	return nil
}

// Search queries the place index.
func (m *Meili) Search(query, groupID string, limit int) ([]PlaceDocument, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	request := &meili.SearchRequest{Limit: int64(limit)}
	if groupID != "" {
		request.Filter = fmt.Sprintf("groupId = %q", groupID)
	}
	resp, err := m.client.Index(idxPlaces).Search(query, request)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch place search: %w", err)
	}

	results := make([]PlaceDocument, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if doc, ok := decodePlace(hit); ok {
			results = append(results, doc)
		}
	}
	return results, nil
}

func decodePlace(hit meili.Hit) (PlaceDocument, bool) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return PlaceDocument{}, false
	}
	var doc PlaceDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return PlaceDocument{}, false
	}
	return doc, true
}
