package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	geojson "github.com/paulmach/go.geojson"

	"roadwatch/models"
)

// Auxiliary layer keys.
const (
	LayerBoundary = "boundary"
	LayerWFS      = "wfs"
)

// ErrLayerUnavailable is reported when a layer has no live result, no
// cached snapshot and no static fallback.
var ErrLayerUnavailable = errors.New("layer unavailable: fetch failed and no cached snapshot exists")

// ErrFetchSuperseded is returned when the layer configuration changed while
// a fetch was in flight; the stale result is discarded, never applied.
var ErrFetchSuperseded = errors.New("layer fetch superseded by a configuration change")

// LayerCache persists the last good snapshot per auxiliary layer.
type LayerCache interface {
	LayerSnapshot(key string) (*models.GeoJSONCacheEntry, error)
	SaveLayerSnapshot(key string, entry *models.GeoJSONCacheEntry) error
}

// LayerResult is a resolved auxiliary layer plus where it came from.
type LayerResult struct {
	Source    string          `json:"source"` // live | cache | default
	SourceURL string          `json:"sourceUrl,omitempty"`
	FetchedAt string          `json:"fetchedAt,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// BuildFeatureCollection maps stored detections to a map-ready
// FeatureCollection. Records without a usable coordinate pair are skipped;
// the embedded spatial record's coordinates win over the raw fix.
func BuildFeatureCollection(records []models.StoredDetectionRecord) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := range records {
		rec := &records[i]
		lat, lon, ok := recordCoordinates(rec)
		if !ok {
			continue
		}
		fc.AddFeature(RecordFeature(rec, lat, lon))
	}
	return fc
}

func recordCoordinates(rec *models.StoredDetectionRecord) (float64, float64, bool) {
	if rec.Spatial != nil && ValidCoordinates(rec.Spatial.Latitude, rec.Spatial.Longitude) {
		return rec.Spatial.Latitude, rec.Spatial.Longitude, true
	}
	if rec.Report.Location != nil && ValidCoordinates(rec.Report.Location.Latitude, rec.Report.Location.Longitude) {
		return rec.Report.Location.Latitude, rec.Report.Location.Longitude, true
	}
	return 0, 0, false
}

// LayerLoader resolves auxiliary GIS layers through the fetch → cache →
// fallback chain. Fetches for different layers are independent; a fetch
// superseded by a configuration change mid-flight is discarded.
type LayerLoader struct {
	client *http.Client
	cache  LayerCache

	mutex       sync.Mutex
	generations map[string]uint64
}

// NewLayerLoader creates a loader on the given snapshot cache.
func NewLayerLoader(cache LayerCache) *LayerLoader {
	return &LayerLoader{
		client:      &http.Client{Timeout: 30 * time.Second},
		cache:       cache,
		generations: make(map[string]uint64),
	}
}

// NewLayerLoaderWithClient is used by tests to inject a client.
func NewLayerLoaderWithClient(cache LayerCache, client *http.Client) *LayerLoader {
	l := NewLayerLoader(cache)
	l.client = client
	return l
}

// Invalidate marks any in-flight fetch for the layer as superseded. Called
// when the operator changes the layer's URL mid-flight.
func (l *LayerLoader) Invalidate(key string) {
	l.mutex.Lock()
	l.generations[key]++
	l.mutex.Unlock()
}

func (l *LayerLoader) generation(key string) uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.generations[key]
}

// Load resolves one layer: live fetch of sourceURL, validated and cached on
// success; cache fallback on failure; the built-in default geometry as the
// last resort for the boundary layer only. The WFS layer has no static
// fallback and reports an explicit failure instead.
func (l *LayerLoader) Load(ctx context.Context, key, sourceURL string) (*LayerResult, error) {
	gen := l.generation(key)

	if sourceURL != "" {
		data, err := l.fetch(ctx, sourceURL)
		if gen != l.generation(key) {
			return nil, ErrFetchSuperseded
		}
		if err == nil {
			entry := &models.GeoJSONCacheEntry{
				SourceURL: sourceURL,
				FetchedAt: time.Now().UTC().Format(time.RFC3339),
				Data:      data,
			}
			if cacheErr := l.cache.SaveLayerSnapshot(key, entry); cacheErr != nil {
				log.Warnf("Failed to refresh %s layer cache: %v", key, cacheErr)
			}
			return &LayerResult{
				Source:    "live",
				SourceURL: sourceURL,
				FetchedAt: entry.FetchedAt,
				Data:      data,
			}, nil
		}
		log.Warnf("Live fetch of %s layer failed: %v", key, err)
	}

	if entry, err := l.cache.LayerSnapshot(key); err == nil && entry != nil && len(entry.Data) > 0 {
		return &LayerResult{
			Source:    "cache",
			SourceURL: entry.SourceURL,
			FetchedAt: entry.FetchedAt,
			Data:      entry.Data,
		}, nil
	}

	if key == LayerBoundary {
		return &LayerResult{Source: "default", Data: defaultBoundary()}, nil
	}
	return nil, ErrLayerUnavailable
}

func (l *LayerLoader) fetch(ctx context.Context, sourceURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("layer fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := validateGeoJSONShape(body); err != nil {
		return nil, err
	}
	return body, nil
}

// validateGeoJSONShape accepts only payloads whose top-level type is one of
// the GeoJSON kinds a map layer can render.
func validateGeoJSONShape(body []byte) error {
	var shape struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return fmt.Errorf("payload is not JSON: %w", err)
	}
	switch shape.Type {
	case "FeatureCollection", "Feature", "Polygon", "MultiPolygon", "GeometryCollection":
		return nil
	}
	return fmt.Errorf("payload type %q is not a renderable GeoJSON shape", shape.Type)
}

// defaultBoundary is the built-in fallback for the boundary layer: a rough
// bounding polygon of the Indonesian archipelago.
func defaultBoundary() json.RawMessage {
	poly := geojson.NewPolygonFeature([][][]float64{{
		{95.0, -11.0},
		{141.0, -11.0},
		{141.0, 6.0},
		{95.0, 6.0},
		{95.0, -11.0},
	}})
	poly.SetProperty("name", "default-boundary")
	data, err := json.Marshal(poly)
	if err != nil {
		// A constant feature never fails to marshal.
		return json.RawMessage(`{"type":"FeatureCollection","features":[]}`)
	}
	return data
}
