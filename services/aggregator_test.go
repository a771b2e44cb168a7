package services

import (
	"math"
	"testing"

	"roadwatch/models"
)

// box returns a prediction with the given label covering pct percent of a
// 1000x1000 frame.
func box(label string, pct float64) models.BoundingBoxPrediction {
	side := math.Sqrt(pct / 100 * 1000 * 1000)
	return models.BoundingBoxPrediction{Label: label, X: 10, Y: 10, Width: side, Height: side}
}

func TestSeverityForAreaPercent_Thresholds(t *testing.T) {
	tests := []struct {
		areaPercent float64
		want        models.Severity
	}{
		{0, models.SeverityLight},
		{1.49, models.SeverityLight},
		{1.5, models.SeverityMedium},
		{3.99, models.SeverityMedium},
		{4.0, models.SeverityHeavy},
		{80, models.SeverityHeavy},
	}
	for _, tt := range tests {
		if got := SeverityForAreaPercent(tt.areaPercent); got != tt.want {
			t.Errorf("SeverityForAreaPercent(%g) = %q, want %q", tt.areaPercent, got, tt.want)
		}
	}
}

func TestClassBucket(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"Pothole", models.ClassPothole},
		{"deep-pothole-D40", models.ClassPothole},
		{"longitudinal crack", models.ClassCrack},
		{"RUTTING", models.ClassRutting},
		{"alligator", models.ClassOther},
		{"", models.ClassOther},
	}
	for _, tt := range tests {
		if got := ClassBucket(tt.label); got != tt.want {
			t.Errorf("ClassBucket(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}

func TestSummarize_TotalPercentSaturates(t *testing.T) {
	// 30 boxes at 5% each: the naive sum double counts to 150, which must
	// report as 100.
	var preds []models.BoundingBoxPrediction
	for i := 0; i < 30; i++ {
		preds = append(preds, box("pothole", 5))
	}
	report := Summarize(preds, 1000, 1000)
	if report.AreaSummary.TotalPercent != 100 {
		t.Errorf("TotalPercent = %g, want saturation at 100", report.AreaSummary.TotalPercent)
	}
}

func TestSummarize_ZeroFrameArea(t *testing.T) {
	report := Summarize([]models.BoundingBoxPrediction{box("crack", 2)}, 0, 0)
	if report.AreaSummary.TotalPercent != 0 {
		t.Errorf("TotalPercent = %g, want 0 for non-positive frame area", report.AreaSummary.TotalPercent)
	}
	// Count > 0 with zero area: dominant must still resolve without
	// dividing by zero.
	if report.Severity.Dominant == models.SeverityNone {
		t.Errorf("dominant = none despite %d detections", report.Severity.Counts.Total)
	}
}

func TestSummarize_DominantSeverityIsAreaBased(t *testing.T) {
	// One heavy box at 5% against ten light boxes at 0.1% each (1% total
	// light area). Counts favor light 10:1; area favors heavy.
	preds := []models.BoundingBoxPrediction{box("pothole", 5)}
	for i := 0; i < 10; i++ {
		preds = append(preds, box("crack", 0.1))
	}

	report := Summarize(preds, 1000, 1000)
	if report.Severity.Dominant != models.SeverityHeavy {
		t.Errorf("dominant = %q, want heavy (area-based tie-break)", report.Severity.Dominant)
	}
	if report.Severity.Counts.Light != 10 || report.Severity.Counts.Heavy != 1 {
		t.Errorf("counts = %+v", report.Severity.Counts)
	}
}

func TestSummarize_TieBreakOrder(t *testing.T) {
	// Equal area in every bucket: heavy wins its ties, then medium.
	preds := []models.BoundingBoxPrediction{
		box("a", 1.0), // light
		box("b", 2.0), // medium
	}
	report := Summarize(preds, 1000, 1000)
	if report.Severity.Dominant != models.SeverityMedium {
		t.Errorf("dominant = %q, want medium (2%% medium vs 1%% light)", report.Severity.Dominant)
	}

	preds = append(preds, box("c", 2.0)) // light+medium area 3% < heavy? no heavy yet
	preds = append(preds, box("d", 5.0)) // heavy at 5%
	report = Summarize(preds, 1000, 1000)
	if report.Severity.Dominant != models.SeverityHeavy {
		t.Errorf("dominant = %q, want heavy", report.Severity.Dominant)
	}
}

func TestSummarize_EmptyPredictions(t *testing.T) {
	report := Summarize(nil, 1000, 1000)
	if report.Severity.Dominant != models.SeverityNone {
		t.Errorf("dominant = %q, want none for zero detections", report.Severity.Dominant)
	}
	if report.ClassBreakdown.DominantClass != nil {
		t.Errorf("dominant class must be nil for zero detections")
	}
	if len(report.ClassBreakdown.PerClass) != 0 {
		t.Errorf("per-class list must be empty")
	}
}

func TestSummarize_ClassBreakdown(t *testing.T) {
	preds := []models.BoundingBoxPrediction{
		box("pothole", 0.5),
		box("pothole", 0.5),
		box("crack", 0.5),
		box("weird-label", 0.5),
	}
	report := Summarize(preds, 1000, 1000)

	counts := report.ClassBreakdown.Counts
	if counts.Pothole != 2 || counts.Crack != 1 || counts.Other != 1 || counts.Total != 4 {
		t.Errorf("counts = %+v", counts)
	}

	// Damage-type distribution is count-based.
	if got := report.ClassBreakdown.DistributionPercent.Pothole; got != 50 {
		t.Errorf("pothole distribution = %g, want 50", got)
	}

	if report.ClassBreakdown.DominantClass == nil || *report.ClassBreakdown.DominantClass != "pothole" {
		t.Errorf("dominant class = %v, want pothole", report.ClassBreakdown.DominantClass)
	}

	per := report.ClassBreakdown.PerClass
	if len(per) != 3 {
		t.Fatalf("per-class rows = %d, want 3", len(per))
	}
	if per[0].Label != "pothole" || per[0].Count != 2 {
		t.Errorf("first row = %+v, want pothole x2", per[0])
	}
	if per[0].CountSharePercent != 50 {
		t.Errorf("count share = %g, want 50", per[0].CountSharePercent)
	}
}

func TestSummarize_SeverityDistributionIsAreaBased(t *testing.T) {
	preds := []models.BoundingBoxPrediction{
		box("a", 1.0), // light
		box("b", 3.0), // medium
	}
	report := Summarize(preds, 1000, 1000)
	dist := report.Severity.DistributionPercent
	if math.Abs(dist.Light-25) > 0.5 || math.Abs(dist.Medium-75) > 0.5 {
		t.Errorf("distribution = %+v, want 25/75 area split", dist)
	}
	if dist.Heavy != 0 {
		t.Errorf("heavy share = %g, want 0", dist.Heavy)
	}
}

func TestSummarize_AreaPercentBounds(t *testing.T) {
	preds := []models.BoundingBoxPrediction{
		box("a", 0.2),
		box("b", 1.7),
		box("c", 12.0),
	}
	report := Summarize(preds, 1000, 1000)
	sum := 0.0
	for _, row := range report.ClassBreakdown.PerClass {
		if row.TotalAreaPercent < 0 {
			t.Errorf("negative area percent in %+v", row)
		}
		sum += row.TotalAreaPercent
	}
	if math.Abs(sum-13.9) > 0.1 {
		t.Errorf("summed per-class area = %g, want about 13.9", sum)
	}
	if report.AreaSummary.TotalPercent > 100 {
		t.Errorf("total percent exceeds 100")
	}
}
