package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"

	"roadwatch/models"
	"roadwatch/services"
)

// HistoryCap bounds the detection history; oldest entries are silently
// evicted beyond it.
const HistoryCap = 120

// Canonical logical keys. Every key has exactly one legacy alias that is
// consulted once for migration.
const (
	KeyHistory      = "rw:detections"
	KeyGisSettings  = "rw:gis-settings"
	KeyCacheBounds  = "rw:cache:boundary"
	KeyCacheWFS     = "rw:cache:wfs"
	KeyAdminSession = "rw:admin-session"
	KeyStats        = "rw:roboflow-stats"
)

var legacyAliases = map[string]string{
	KeyHistory:      "roadDamageHistory",
	KeyGisSettings:  "gisMapSettings",
	KeyCacheBounds:  "geojsonCacheBoundary",
	KeyCacheWFS:     "geojsonCacheWfs",
	KeyAdminSession: "adminSession",
	KeyStats:        "roboflowAdminStats",
}

// Store is the device-local persistence layer: detection history, GIS
// settings, auxiliary layer snapshots and the admin stats blob, each one
// JSON blob in the underlying KV.
type Store struct {
	kv       KV
	mutex    sync.Mutex
	migrated map[string]bool
}

func New(kv KV) *Store {
	return &Store{kv: kv, migrated: make(map[string]bool)}
}

// read fetches a logical key, migrating its legacy alias forward the first
// time the canonical key is found empty. The migration runs at most once
// per key and is a no-op when the canonical key is already populated.
func (s *Store) read(key string) []byte {
	data, err := s.kv.Get(key)
	if err != nil {
		log.Warnf("Failed to read %s: %v", key, err)
		return nil
	}
	if len(data) > 0 {
		s.migrated[key] = true
		return data
	}

	if s.migrated[key] {
		return nil
	}
	s.migrated[key] = true

	legacy, ok := legacyAliases[key]
	if !ok {
		return nil
	}
	old, err := s.kv.Get(legacy)
	if err != nil || len(old) == 0 {
		return nil
	}
	if err := s.kv.Set(key, old); err != nil {
		log.Warnf("Failed to migrate %s -> %s: %v", legacy, key, err)
		return old
	}
	if err := s.kv.Delete(legacy); err != nil {
		log.Warnf("Failed to drop legacy key %s: %v", legacy, err)
	}
	log.Infof("Migrated legacy key %s to %s", legacy, key)
	return old
}

// AppendDetection prepends the record (most-recent-first) and truncates to
// the history cap. Returns the new total. Quota failures come back as
// ErrQuotaExceeded for the handler to translate.
func (s *Store) AppendDetection(rec models.StoredDetectionRecord) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	records := s.detectionsLocked()
	records = append([]models.StoredDetectionRecord{rec}, records...)
	if len(records) > HistoryCap {
		records = records[:HistoryCap]
	}

	data, err := json.Marshal(records)
	if err != nil {
		return 0, fmt.Errorf("failed to encode history: %w", err)
	}
	if err := s.kv.Set(KeyHistory, data); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Detections returns the stored history. The read is purely defensive:
// corrupt entries are reconstructed field by field and callers never see
// an error.
func (s *Store) Detections() []models.StoredDetectionRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.detectionsLocked()
}

func (s *Store) detectionsLocked() []models.StoredDetectionRecord {
	data := s.read(KeyHistory)
	if len(data) == 0 {
		return []models.StoredDetectionRecord{}
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(data, &rawEntries); err != nil {
		log.Warnf("Detection history blob is not an array, discarding: %v", err)
		return []models.StoredDetectionRecord{}
	}

	records := make([]models.StoredDetectionRecord, 0, len(rawEntries))
	for _, raw := range rawEntries {
		if rec := reconstructRecord(raw); rec != nil {
			records = append(records, *rec)
		}
	}
	return records
}

// ClearDetections is the only destructive history operation.
func (s *Store) ClearDetections() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.kv.Delete(KeyHistory)
}

// GisSettings reads the operator map configuration, trimming free-text
// fields and defaulting anything unusable.
func (s *Store) GisSettings() models.GisMapSettings {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	settings := models.DefaultGisMapSettings()
	data := s.read(KeyGisSettings)
	if len(data) == 0 {
		return settings
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Warnf("Stored GIS settings are corrupt, using defaults: %v", err)
		return models.DefaultGisMapSettings()
	}

	settings.WMSURL = strings.TrimSpace(settings.WMSURL)
	settings.WMSLayer = strings.TrimSpace(settings.WMSLayer)
	settings.WFSURL = strings.TrimSpace(settings.WFSURL)
	settings.WFSTypeName = strings.TrimSpace(settings.WFSTypeName)
	if settings.CRS != models.CRSWebMercator && settings.CRS != models.CRSWGS84 {
		settings.CRS = models.CRSWebMercator
	}
	return settings
}

func (s *Store) SaveGisSettings(settings models.GisMapSettings) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return s.kv.Set(KeyGisSettings, data)
}

func layerKey(layer string) string {
	if layer == services.LayerWFS {
		return KeyCacheWFS
	}
	return KeyCacheBounds
}

// LayerSnapshot implements services.LayerCache.
func (s *Store) LayerSnapshot(layer string) (*models.GeoJSONCacheEntry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data := s.read(layerKey(layer))
	if len(data) == 0 {
		return nil, nil
	}
	var entry models.GeoJSONCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warnf("Cached %s layer snapshot is corrupt, ignoring: %v", layer, err)
		return nil, nil
	}
	return &entry, nil
}

// SaveLayerSnapshot implements services.LayerCache.
func (s *Store) SaveLayerSnapshot(layer string, entry *models.GeoJSONCacheEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.kv.Set(layerKey(layer), data)
}

// AdminSession returns the persisted admin session blob, if any.
func (s *Store) AdminSession() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.read(KeyAdminSession)
}

func (s *Store) SaveAdminSession(blob []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.kv.Set(KeyAdminSession, blob)
}

// reconstructRecord rebuilds one persisted entry defensively: a field that
// fails validation is coerced to a safe default instead of sinking the
// whole read. Only entries that are not JSON objects at all are dropped.
func reconstructRecord(raw json.RawMessage) *models.StoredDetectionRecord {
	var rec models.StoredDetectionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		rebuilt := rebuildFromLooseMap(raw)
		if rebuilt == nil {
			return nil
		}
		rec = *rebuilt
	}
	sanitizeRecord(&rec)
	return &rec
}

// rebuildFromLooseMap salvages what it can from an entry whose field types
// no longer match the schema.
func rebuildFromLooseMap(raw json.RawMessage) *models.StoredDetectionRecord {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	rec := &models.StoredDetectionRecord{}
	if id, ok := m["id"].(string); ok {
		rec.ID = id
	}
	if createdAt, ok := m["createdAt"].(string); ok {
		rec.CreatedAt = createdAt
	}
	if modelID, ok := m["modelId"].(string); ok {
		rec.ModelID = modelID
	}
	if version, ok := m["modelVersion"].(string); ok {
		rec.ModelVersion = version
	}
	if ms, ok := m["apiDurationMs"].(float64); ok {
		rec.APIDurationMs = int64(ms)
	}
	if report, ok := m["report"].(map[string]interface{}); ok {
		if loc, ok := report["location"].(map[string]interface{}); ok {
			lat, latOK := loc["latitude"].(float64)
			lon, lonOK := loc["longitude"].(float64)
			if latOK && lonOK {
				rec.Report.Location = &models.GeoFix{Latitude: lat, Longitude: lon}
			}
		}
	}
	return rec
}

func sanitizeRecord(rec *models.StoredDetectionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.APIDurationMs < 0 {
		rec.APIDurationMs = 0
	}

	report := &rec.Report
	report.AreaSummary.TotalPercent = clampRange(report.AreaSummary.TotalPercent, 0, 100)
	report.AreaSummary.TotalBoxAreaPx = clampMin(report.AreaSummary.TotalBoxAreaPx)
	report.AreaSummary.FrameAreaPx = clampMin(report.AreaSummary.FrameAreaPx)

	switch report.Severity.Dominant {
	case models.SeverityLight, models.SeverityMedium, models.SeverityHeavy, models.SeverityNone:
	default:
		report.Severity.Dominant = models.SeverityNone
	}
	sanitizeCounts(&report.Severity.Counts)
	report.Severity.DistributionPercent.Light = clampMin(report.Severity.DistributionPercent.Light)
	report.Severity.DistributionPercent.Medium = clampMin(report.Severity.DistributionPercent.Medium)
	report.Severity.DistributionPercent.Heavy = clampMin(report.Severity.DistributionPercent.Heavy)

	if report.ClassBreakdown.PerClass == nil {
		report.ClassBreakdown.PerClass = []models.PerClassStat{}
	}

	// An out-of-range fix is treated as absent, never kept.
	if report.Location != nil && !services.ValidCoordinates(report.Location.Latitude, report.Location.Longitude) {
		report.Location = nil
	}

	sanitizeSpatial(rec)
}

// sanitizeSpatial regenerates a missing or malformed spatial sub-record
// from the raw location fields.
func sanitizeSpatial(rec *models.StoredDetectionRecord) {
	sp := rec.Spatial
	valid := sp != nil &&
		sp.SRID == services.SRID &&
		services.ValidCoordinates(sp.Latitude, sp.Longitude) &&
		spatialEWKTMatches(sp)
	if valid {
		return
	}

	rec.Spatial = nil
	if rec.Report.Location != nil {
		rec.Spatial = services.EncodeRecord(rec, rec.Report.Location.Latitude, rec.Report.Location.Longitude)
	}
}

func spatialEWKTMatches(sp *models.SpatialRecord) bool {
	lat, lon, ok := services.ParseEWKT(sp.EWKT)
	if !ok {
		return false
	}
	const eps = 1e-7
	return abs(lat-sp.Latitude) < eps && abs(lon-sp.Longitude) < eps
}

func sanitizeCounts(c *models.SeverityCounts) {
	c.Light = clampMinInt(c.Light)
	c.Medium = clampMinInt(c.Medium)
	c.Heavy = clampMinInt(c.Heavy)
	c.Total = clampMinInt(c.Total)
}

func clampMin(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampMinInt(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
