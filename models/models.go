package models

import (
	"encoding/json"

	geojson "github.com/paulmach/go.geojson"
)

// Severity classifies a detection (or an aggregate of detections) by the
// share of the frame its bounding boxes cover.
type Severity string

const (
	SeverityLight  Severity = "light"
	SeverityMedium Severity = "medium"
	SeverityHeavy  Severity = "heavy"
	SeverityNone   Severity = "none"
)

// Damage-type bucket labels. Anything that does not substring-match one of
// the first three falls into "other".
const (
	ClassPothole = "pothole"
	ClassCrack   = "crack"
	ClassRutting = "rutting"
	ClassOther   = "other"
)

// BoundingBoxPrediction is one box from the upstream model, in source-frame
// pixel coordinates. Ephemeral; never persisted directly.
type BoundingBoxPrediction struct {
	Label      string   `json:"label"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Confidence *float64 `json:"confidence"`
}

// AreaSummary aggregates box coverage over the frame.
type AreaSummary struct {
	TotalPercent   float64 `json:"totalPercent"`
	TotalBoxAreaPx float64 `json:"totalBoxAreaPx"`
	FrameAreaPx    float64 `json:"frameAreaPx"`
}

type SeverityCounts struct {
	Light  int `json:"light"`
	Medium int `json:"medium"`
	Heavy  int `json:"heavy"`
	Total  int `json:"total"`
}

type SeverityDistribution struct {
	Light  float64 `json:"light"`
	Medium float64 `json:"medium"`
	Heavy  float64 `json:"heavy"`
}

type SeveritySummary struct {
	Dominant            Severity             `json:"dominant"`
	Counts              SeverityCounts       `json:"counts"`
	DistributionPercent SeverityDistribution `json:"distributionPercent"`
}

type ClassCounts struct {
	Pothole int `json:"pothole"`
	Crack   int `json:"crack"`
	Rutting int `json:"rutting"`
	Other   int `json:"other"`
	Total   int `json:"total"`
}

type ClassDistribution struct {
	Pothole float64 `json:"pothole"`
	Crack   float64 `json:"crack"`
	Rutting float64 `json:"rutting"`
	Other   float64 `json:"other"`
}

// PerClassStat is one row of the per-label breakdown, sorted by count.
type PerClassStat struct {
	Label             string   `json:"label"`
	Count             int      `json:"count"`
	CountSharePercent float64  `json:"countSharePercent"`
	TotalAreaPercent  float64  `json:"totalAreaPercent"`
	DominantSeverity  Severity `json:"dominantSeverity"`
}

type ClassBreakdown struct {
	Counts              ClassCounts       `json:"counts"`
	DistributionPercent ClassDistribution `json:"distributionPercent"`
	DominantClass       *string           `json:"dominantClass"`
	PerClass            []PerClassStat    `json:"perClass"`
}

// EvidenceMeta carries capture-side metadata about the submitted image.
type EvidenceMeta struct {
	Mime              string   `json:"mime,omitempty"`
	Quality           *float64 `json:"quality,omitempty"`
	CaptureResolution string   `json:"captureResolution,omitempty"`
	SourceResolution  string   `json:"sourceResolution,omitempty"`
	IsFullHDSource    *bool    `json:"isFullHdSource"`
}

// GeoFix is a single geolocation sample. Fixes outside the WGS84 valid
// range are rejected at the boundary and never stored.
type GeoFix struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Altitude  *float64 `json:"altitude"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
	Timestamp int64    `json:"timestamp"`
	Source    string   `json:"source"`
}

// DamageReport is the canonical output of one inference cycle.
type DamageReport struct {
	AreaSummary    AreaSummary     `json:"areaSummary"`
	Severity       SeveritySummary `json:"severity"`
	ClassBreakdown ClassBreakdown  `json:"classBreakdown"`
	Location       *GeoFix         `json:"location"`
	DetectedAt     string          `json:"detectedAt"`
	Evidence       *EvidenceMeta   `json:"evidence,omitempty"`
}

// SpatialRecord mirrors a stored fix as canonical point geometry. SRID is
// always 4326 and coordinates in the GeoJSON encodings are [lon, lat].
type SpatialRecord struct {
	SRID      int               `json:"srid"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	WKT       string            `json:"wkt"`
	EWKT      string            `json:"ewkt"`
	Point     *geojson.Geometry `json:"point"`
	Feature   *geojson.Feature  `json:"feature"`
}

// StoredDetectionRecord is the persisted superset of a DamageReport.
type StoredDetectionRecord struct {
	ID            string         `json:"id"`
	CreatedAt     string         `json:"createdAt"`
	ModelID       string         `json:"modelId"`
	ModelVersion  string         `json:"modelVersion"`
	APIDurationMs int64          `json:"apiDurationMs"`
	Report        DamageReport   `json:"report"`
	Spatial       *SpatialRecord `json:"spatial"`
}

// Supported coordinate reference systems for the admin map.
const (
	CRSWebMercator = "EPSG:3857"
	CRSWGS84       = "EPSG:4326"
)

// GisMapSettings is the operator-editable map configuration. Free-text
// fields are trimmed and defaulted on read; there are no computed invariants.
type GisMapSettings struct {
	CRS            string `json:"crs"`
	ShowDetections bool   `json:"showDetections"`
	ShowBoundary   bool   `json:"showBoundary"`
	ShowWMS        bool   `json:"showWms"`
	ShowWFS        bool   `json:"showWfs"`
	WMSURL         string `json:"wmsUrl"`
	WMSLayer       string `json:"wmsLayer"`
	WFSURL         string `json:"wfsUrl"`
	WFSTypeName    string `json:"wfsTypeName"`
}

// DefaultGisMapSettings returns the settings used when nothing is stored.
func DefaultGisMapSettings() GisMapSettings {
	return GisMapSettings{
		CRS:            CRSWebMercator,
		ShowDetections: true,
		ShowBoundary:   true,
	}
}

// GeoJSONCacheEntry is the last successfully fetched snapshot of an
// auxiliary layer, consulted only when a live fetch fails.
type GeoJSONCacheEntry struct {
	SourceURL string          `json:"sourceUrl"`
	FetchedAt string          `json:"fetchedAt"`
	Data      json.RawMessage `json:"data"`
}

// AdminStats tracks rejected submissions for the admin surface.
type AdminStats struct {
	InvalidCount  int     `json:"invalidCount"`
	LastInvalidAt *string `json:"lastInvalidAt,omitempty"`
}

// StatsSnapshot is the flat-file stats document keyed by its update time.
type StatsSnapshot struct {
	UpdatedAt string          `json:"updatedAt"`
	Stats     AdminStats      `json:"stats"`
	Cache     json.RawMessage `json:"cache,omitempty"`
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}
