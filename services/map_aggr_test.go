package services

import (
	"testing"

	"roadwatch/models"
)

func heavyRecord(lat, lon float64, percent float64) models.StoredDetectionRecord {
	return models.StoredDetectionRecord{
		Report: models.DamageReport{
			AreaSummary: models.AreaSummary{TotalPercent: percent},
			Severity: models.SeveritySummary{Dominant: models.SeverityHeavy,
				Counts: models.SeverityCounts{Heavy: 1, Total: 1}},
			Location: &models.GeoFix{Latitude: lat, Longitude: lon},
		},
	}
}

func TestDetectionClusterer_GroupsNearbyPoints(t *testing.T) {
	vp := &ViewPort{LatMin: -6.4, LonMin: 106.6, LatMax: -6.0, LonMax: 107.0}
	c := NewDetectionClusterer(vp, -6.2, 106.8)

	// Two clusters: a tight pair near the center and one outlier.
	c.Add(&models.StoredDetectionRecord{Report: models.DamageReport{
		Location: &models.GeoFix{Latitude: -6.2000, Longitude: 106.8000},
	}})
	c.Add(&models.StoredDetectionRecord{Report: models.DamageReport{
		Location: &models.GeoFix{Latitude: -6.2001, Longitude: 106.8001},
	}})
	outlier := heavyRecord(-6.35, 106.65, 12.5)
	c.Add(&outlier)
	// A record without a usable fix is ignored.
	c.Add(&models.StoredDetectionRecord{})

	points := c.Points()
	var total int64
	for _, p := range points {
		total += p.Count
	}
	if total != 3 {
		t.Errorf("clustered %d points, want 3", total)
	}
	if len(points) < 2 {
		t.Errorf("expected the outlier in its own cluster, got %d clusters", len(points))
	}
}

func TestDetectionClusterer_SingletonKeepsPosition(t *testing.T) {
	vp := &ViewPort{LatMin: -7, LonMin: 106, LatMax: -6, LonMax: 108}
	c := NewDetectionClusterer(vp, -6.5, 107)

	rec := heavyRecord(-6.123456, 106.654321, 42.0)
	c.Add(&rec)

	points := c.Points()
	if len(points) != 1 {
		t.Fatalf("got %d clusters, want 1", len(points))
	}
	p := points[0]
	if !almostEqual(p.Latitude, -6.123456) || !almostEqual(p.Longitude, 106.654321) {
		t.Errorf("singleton snapped away from its position: (%g, %g)", p.Latitude, p.Longitude)
	}
	if p.HeavyCount != 1 || p.MaxPercent != 42.0 {
		t.Errorf("severity rollup wrong: %+v", p)
	}
}

func almostEqual(a, b float64) bool {
	const eps = 1e-4
	d := a - b
	return d < eps && d > -eps
}
