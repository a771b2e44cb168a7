package services

import (
	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"roadwatch/models"
)

// ViewPort is the visible map extent a client is rendering.
type ViewPort struct {
	LatMin float64 `json:"latmin"`
	LonMin float64 `json:"lonmin"`
	LatMax float64 `json:"latmax"`
	LonMax float64 `json:"lonmax"`
}

// ClusterPoint is one aggregated marker for the admin map. A cluster of one
// keeps its original position instead of snapping to the cell center.
type ClusterPoint struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Count      int64   `json:"count"`
	HeavyCount int64   `json:"heavy"`
	MaxPercent float64 `json:"maxPercent"`
}

type clusterUnit struct {
	count      int64
	heavy      int64
	maxPercent float64
	origCell   s2.CellID
}

// DetectionClusterer buckets detection points into S2 cells sized to the
// viewport, so a dense history renders as a bounded number of markers.
type DetectionClusterer struct {
	level int
	cells map[s2.CellID]*clusterUnit
}

const (
	clusterTargetCells = 160
	clusterMinLevel    = 6
	clusterMaxLevel    = 16
)

// clusterLevel picks the S2 level whose cells tile the viewport into
// roughly clusterTargetCells pieces.
func clusterLevel(vp *ViewPort, centerLat, centerLon float64) int {
	minLL := s2.LatLngFromDegrees(vp.LatMin, vp.LonMin)
	maxLL := s2.LatLngFromDegrees(vp.LatMax, vp.LonMax)

	rect := s2.Rect{
		Lat: r1.Interval{Lo: minLL.Lat.Radians(), Hi: maxLL.Lat.Radians()},
		Lng: s1.Interval{Lo: minLL.Lng.Radians(), Hi: maxLL.Lng.Radians()},
	}
	vpArea := rect.Area()

	center := s2.CellIDFromLatLng(s2.LatLngFromDegrees(centerLat, centerLon))
	for lv := clusterMaxLevel; lv >= clusterMinLevel; lv-- {
		cell := s2.CellFromCellID(center.Parent(lv))
		if vpArea/cell.ApproxArea() < clusterTargetCells {
			return lv
		}
	}
	return clusterMinLevel
}

// NewDetectionClusterer creates a clusterer for the given viewport.
func NewDetectionClusterer(vp *ViewPort, centerLat, centerLon float64) *DetectionClusterer {
	return &DetectionClusterer{
		level: clusterLevel(vp, centerLat, centerLon),
		cells: make(map[s2.CellID]*clusterUnit),
	}
}

// Add buckets one stored detection, keeping the per-cell heavy count and
// the worst damage percentage for marker styling.
func (c *DetectionClusterer) Add(rec *models.StoredDetectionRecord) {
	lat, lon, ok := recordCoordinates(rec)
	if !ok {
		return
	}
	pc := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon))
	parent := pc.Parent(c.level)
	unit, ok := c.cells[parent]
	if !ok {
		unit = &clusterUnit{}
		c.cells[parent] = unit
	}
	unit.count++
	unit.origCell = pc
	if rec.Report.Severity.Dominant == models.SeverityHeavy {
		unit.heavy++
	}
	if p := rec.Report.AreaSummary.TotalPercent; p > unit.maxPercent {
		unit.maxPercent = p
	}
}

// Points returns the aggregated markers.
func (c *DetectionClusterer) Points() []ClusterPoint {
	out := make([]ClusterPoint, 0, len(c.cells))
	for cell, unit := range c.cells {
		ll := cell.LatLng()
		if unit.count == 1 {
			ll = unit.origCell.LatLng()
		}
		out = append(out, ClusterPoint{
			Latitude:   ll.Lat.Degrees(),
			Longitude:  ll.Lng.Degrees(),
			Count:      unit.count,
			HeavyCount: unit.heavy,
			MaxPercent: unit.maxPercent,
		})
	}
	return out
}
