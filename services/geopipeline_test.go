package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"roadwatch/models"
)

type fakeLayerCache struct {
	entries map[string]*models.GeoJSONCacheEntry
	saves   int
}

func newFakeLayerCache() *fakeLayerCache {
	return &fakeLayerCache{entries: map[string]*models.GeoJSONCacheEntry{}}
}

func (c *fakeLayerCache) LayerSnapshot(key string) (*models.GeoJSONCacheEntry, error) {
	return c.entries[key], nil
}

func (c *fakeLayerCache) SaveLayerSnapshot(key string, entry *models.GeoJSONCacheEntry) error {
	c.entries[key] = entry
	c.saves++
	return nil
}

func storedRecord(id string, lat, lon float64) models.StoredDetectionRecord {
	rec := models.StoredDetectionRecord{
		ID: id,
		Report: models.DamageReport{
			Location: &models.GeoFix{Latitude: lat, Longitude: lon},
			Severity: models.SeveritySummary{Dominant: models.SeverityLight,
				Counts: models.SeverityCounts{Light: 1, Total: 1}},
		},
	}
	rec.Spatial = EncodeRecord(&rec, lat, lon)
	return rec
}

func TestBuildFeatureCollection(t *testing.T) {
	records := []models.StoredDetectionRecord{
		storedRecord("a", -6.2, 106.8),
		{ID: "no-fix"},
		// Raw fix only, no spatial record.
		{ID: "raw", Report: models.DamageReport{Location: &models.GeoFix{Latitude: 1.5, Longitude: 100.0}}},
		// Invalid fix must be skipped.
		{ID: "bad", Report: models.DamageReport{Location: &models.GeoFix{Latitude: 95, Longitude: 0}}},
	}

	fc := BuildFeatureCollection(records)
	if len(fc.Features) != 2 {
		t.Fatalf("got %d features, want 2", len(fc.Features))
	}
	if fc.Features[0].Properties["id"] != "a" || fc.Features[1].Properties["id"] != "raw" {
		t.Errorf("unexpected feature ordering or ids")
	}
	coords := fc.Features[1].Geometry.Point
	if coords[0] != 100.0 || coords[1] != 1.5 {
		t.Errorf("fallback fix coordinates wrong: %v", coords)
	}
}

func TestLayerLoader_LiveFetchRefreshesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer srv.Close()

	cache := newFakeLayerCache()
	loader := NewLayerLoaderWithClient(cache, srv.Client())

	res, err := loader.Load(context.Background(), LayerBoundary, srv.URL)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if res.Source != "live" {
		t.Errorf("source = %q, want live", res.Source)
	}
	if cache.saves != 1 {
		t.Errorf("cache not refreshed on live success")
	}
}

func TestLayerLoader_FallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := newFakeLayerCache()
	cache.entries[LayerWFS] = &models.GeoJSONCacheEntry{
		SourceURL: "http://old",
		FetchedAt: "2026-01-01T00:00:00Z",
		Data:      json.RawMessage(`{"type":"FeatureCollection","features":[]}`),
	}
	loader := NewLayerLoaderWithClient(cache, srv.Client())

	res, err := loader.Load(context.Background(), LayerWFS, srv.URL)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if res.Source != "cache" {
		t.Errorf("source = %q, want cache", res.Source)
	}
}

func TestLayerLoader_InvalidShapeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"Point","coordinates":[0,0]}`))
	}))
	defer srv.Close()

	cache := newFakeLayerCache()
	loader := NewLayerLoaderWithClient(cache, srv.Client())

	// No cache, not boundary: explicit failure.
	if _, err := loader.Load(context.Background(), LayerWFS, srv.URL); !errors.Is(err, ErrLayerUnavailable) {
		t.Errorf("got %v, want ErrLayerUnavailable", err)
	}
	if cache.saves != 0 {
		t.Errorf("invalid payload must not refresh the cache")
	}
}

func TestLayerLoader_BoundaryStaticFallback(t *testing.T) {
	cache := newFakeLayerCache()
	loader := NewLayerLoaderWithClient(cache, &http.Client{})

	res, err := loader.Load(context.Background(), LayerBoundary, "")
	if err != nil {
		t.Fatalf("boundary must always resolve: %v", err)
	}
	if res.Source != "default" {
		t.Errorf("source = %q, want default", res.Source)
	}
	if err := validateGeoJSONShape(res.Data); err != nil {
		t.Errorf("default boundary is not renderable GeoJSON: %v", err)
	}
}

func TestLayerLoader_WFSNoFallbackFails(t *testing.T) {
	loader := NewLayerLoaderWithClient(newFakeLayerCache(), &http.Client{})

	if _, err := loader.Load(context.Background(), LayerWFS, ""); !errors.Is(err, ErrLayerUnavailable) {
		t.Errorf("got %v, want ErrLayerUnavailable", err)
	}
}

func TestLayerLoader_SupersededFetchDiscarded(t *testing.T) {
	cache := newFakeLayerCache()
	var loader *LayerLoader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a config change while the fetch is in flight.
		loader.Invalidate(LayerBoundary)
		w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer srv.Close()
	loader = NewLayerLoaderWithClient(cache, srv.Client())

	if _, err := loader.Load(context.Background(), LayerBoundary, srv.URL); !errors.Is(err, ErrFetchSuperseded) {
		t.Errorf("got %v, want ErrFetchSuperseded", err)
	}
}
