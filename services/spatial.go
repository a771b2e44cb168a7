package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	geojson "github.com/paulmach/go.geojson"

	"roadwatch/models"
)

// SRID for everything this service produces. WGS84 only.
const SRID = 4326

const coordPrecision = 8

// ValidCoordinates reports whether a pair is a usable WGS84 position.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// EncodePoint turns a validated fix into the canonical point encodings:
// WKT, EWKT and a GeoJSON Point, coordinates formatted to 8 decimal
// places with [lon, lat] order in the GeoJSON. Returns nil for anything
// outside the WGS84 valid range.
func EncodePoint(lat, lon float64) *models.SpatialRecord {
	if !ValidCoordinates(lat, lon) {
		return nil
	}

	lonStr := strconv.FormatFloat(lon, 'f', coordPrecision, 64)
	latStr := strconv.FormatFloat(lat, 'f', coordPrecision, 64)
	wkt := fmt.Sprintf("POINT(%s %s)", lonStr, latStr)

	return &models.SpatialRecord{
		SRID:      SRID,
		Latitude:  lat,
		Longitude: lon,
		WKT:       wkt,
		EWKT:      fmt.Sprintf("SRID=%d;%s", SRID, wkt),
		Point:     geojson.NewPointGeometry([]float64{lon, lat}),
	}
}

// ParseEWKT recovers the (lat, lon) pair from an EWKT point produced by
// EncodePoint. Used when regenerating malformed persisted spatial records.
func ParseEWKT(ewkt string) (lat, lon float64, ok bool) {
	s := strings.TrimSpace(ewkt)
	if prefix := fmt.Sprintf("SRID=%d;", SRID); strings.HasPrefix(s, prefix) {
		s = s[len(prefix):]
	}
	if !strings.HasPrefix(s, "POINT(") || !strings.HasSuffix(s, ")") {
		return 0, 0, false
	}
	inner := s[len("POINT(") : len(s)-1]
	parts := strings.Fields(inner)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lon, errLon := strconv.ParseFloat(parts[0], 64)
	lat, errLat := strconv.ParseFloat(parts[1], 64)
	if errLon != nil || errLat != nil || !ValidCoordinates(lat, lon) {
		return 0, 0, false
	}
	return lat, lon, true
}

// RecordFeature wraps a stored detection as a GeoJSON Feature carrying the
// report metadata a map layer needs, so rendering never re-joins against
// the detection store.
func RecordFeature(rec *models.StoredDetectionRecord, lat, lon float64) *geojson.Feature {
	f := geojson.NewPointFeature([]float64{lon, lat})
	f.SetProperty("id", rec.ID)
	f.SetProperty("createdAt", rec.CreatedAt)
	f.SetProperty("detectedAt", rec.Report.DetectedAt)
	f.SetProperty("severity", string(rec.Report.Severity.Dominant))
	f.SetProperty("damagePercent", rec.Report.AreaSummary.TotalPercent)
	f.SetProperty("detections", rec.Report.Severity.Counts.Total)
	f.SetProperty("modelId", rec.ModelID)
	f.SetProperty("modelVersion", rec.ModelVersion)
	if rec.Report.ClassBreakdown.DominantClass != nil {
		f.SetProperty("dominantClass", *rec.Report.ClassBreakdown.DominantClass)
	}
	return f
}

// EncodeRecord attaches the full spatial record, feature included, for a
// stored detection with a valid fix.
func EncodeRecord(rec *models.StoredDetectionRecord, lat, lon float64) *models.SpatialRecord {
	sr := EncodePoint(lat, lon)
	if sr == nil {
		return nil
	}
	sr.Feature = RecordFeature(rec, lat, lon)
	return sr
}
