package search

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"wayfarer/api/internal/store"
)

type fakeSearcher struct {
	places []store.Place
	err    error
	gotQ   string
	gotGrp string
	gotLim int
}

func (f *fakeSearcher) SearchPlaces(ctx context.Context, query, groupID string, limit int) ([]store.Place, error) {
	f.gotQ, f.gotGrp, f.gotLim = query, groupID, limit
	return f.places, f.err
}

func TestSearchFallsBackWithoutMeili(t *testing.T) {
	fallback := &fakeSearcher{places: []store.Place{{
		GroupID:       "trip-1",
		DestinationID: "dest-1",
		Name:          "Fushimi Inari",
		Lat:           34.9671,
		Lng:           135.7727,
	}}}
	svc := NewService(nil, fallback, zap.NewNop())

	resp := svc.Search(context.Background(), "inari", "trip-1", 10)
	if resp.Source != "postgres" {
		t.Fatalf("source = %s, want postgres", resp.Source)
	}
	if len(resp.Results) != 1 || resp.Results[0].Name != "Fushimi Inari" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if fallback.gotQ != "inari" || fallback.gotGrp != "trip-1" || fallback.gotLim != 10 {
		t.Fatalf("fallback called with %q %q %d", fallback.gotQ, fallback.gotGrp, fallback.gotLim)
	}
}

func TestSearchFallbackErrorYieldsEmptyResponse(t *testing.T) {
	svc := NewService(nil, &fakeSearcher{err: errors.New("db down")}, zap.NewNop())

	resp := svc.Search(context.Background(), "inari", "", 0)
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("results = %+v, want empty non-nil", resp.Results)
	}
}

func TestIndexGroupIsNoOpWithoutMeili(t *testing.T) {
	svc := NewService(nil, &fakeSearcher{}, zap.NewNop())
	svc.IndexGroup("trip-1", []store.Place{{GroupID: "trip-1"}})
	svc.RemoveGroup("trip-1")
}
