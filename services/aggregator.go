package services

import (
	"sort"
	"strings"
	"time"

	"roadwatch/models"
)

// Fixed severity thresholds in percent of frame area. These are global
// constants shared with every deployed client; they are not configurable.
const (
	LightMaxAreaPercent  = 1.5
	MediumMaxAreaPercent = 4.0

	// areaEpsilon floors the area denominator so a nonzero detection
	// count with zero total area still yields a distribution.
	areaEpsilon = 1e-9
)

// SeverityForAreaPercent classifies a single box by its frame-area share.
func SeverityForAreaPercent(areaPercent float64) models.Severity {
	switch {
	case areaPercent < LightMaxAreaPercent:
		return models.SeverityLight
	case areaPercent < MediumMaxAreaPercent:
		return models.SeverityMedium
	default:
		return models.SeverityHeavy
	}
}

// ClassBucket maps a label to its damage-type bucket by substring match,
// in fixed priority order.
func ClassBucket(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, models.ClassPothole):
		return models.ClassPothole
	case strings.Contains(l, models.ClassCrack):
		return models.ClassCrack
	case strings.Contains(l, models.ClassRutting):
		return models.ClassRutting
	default:
		return models.ClassOther
	}
}

type severityAreas struct {
	light  float64
	medium float64
	heavy  float64
}

// dominant picks by summed area per bucket, not by box counts. Heavy wins
// ties against medium and light; medium wins ties against light.
func (s severityAreas) dominant() models.Severity {
	if s.heavy >= s.medium && s.heavy >= s.light {
		return models.SeverityHeavy
	}
	if s.medium >= s.light {
		return models.SeverityMedium
	}
	return models.SeverityLight
}

func (s severityAreas) total() float64 {
	return s.light + s.medium + s.heavy
}

type perLabelAcc struct {
	label string
	count int
	area  float64
	areas severityAreas
}

// Summarize converts normalized predictions into a damage report. The total
// percentage is a deliberately naive sum that can double-count overlapping
// boxes, saturated at 100; downstream consumers assume exactly this
// semantics.
func Summarize(predictions []models.BoundingBoxPrediction, frameWidth, frameHeight float64) models.DamageReport {
	frameArea := frameWidth * frameHeight

	var (
		totalBoxArea float64
		sumPercent   float64
		sevCounts    models.SeverityCounts
		sevAreas     severityAreas
		classCounts  models.ClassCounts
		labelOrder   []string
		byLabel      = map[string]*perLabelAcc{}
	)

	for _, p := range predictions {
		boxArea := p.Width * p.Height
		totalBoxArea += boxArea

		areaPercent := 0.0
		if frameArea > 0 {
			areaPercent = 100 * boxArea / frameArea
		}
		sumPercent += areaPercent

		sev := SeverityForAreaPercent(areaPercent)
		switch sev {
		case models.SeverityLight:
			sevCounts.Light++
			sevAreas.light += areaPercent
		case models.SeverityMedium:
			sevCounts.Medium++
			sevAreas.medium += areaPercent
		default:
			sevCounts.Heavy++
			sevAreas.heavy += areaPercent
		}
		sevCounts.Total++

		switch ClassBucket(p.Label) {
		case models.ClassPothole:
			classCounts.Pothole++
		case models.ClassCrack:
			classCounts.Crack++
		case models.ClassRutting:
			classCounts.Rutting++
		default:
			classCounts.Other++
		}
		classCounts.Total++

		acc, ok := byLabel[p.Label]
		if !ok {
			acc = &perLabelAcc{label: p.Label}
			byLabel[p.Label] = acc
			labelOrder = append(labelOrder, p.Label)
		}
		acc.count++
		acc.area += areaPercent
		switch sev {
		case models.SeverityLight:
			acc.areas.light += areaPercent
		case models.SeverityMedium:
			acc.areas.medium += areaPercent
		default:
			acc.areas.heavy += areaPercent
		}
	}

	report := models.DamageReport{
		AreaSummary: models.AreaSummary{
			TotalPercent:   clampPercent(sumPercent),
			TotalBoxAreaPx: totalBoxArea,
			FrameAreaPx:    frameArea,
		},
		DetectedAt: time.Now().UTC().Format(time.RFC3339),
	}

	report.Severity = models.SeveritySummary{
		Dominant: models.SeverityNone,
		Counts:   sevCounts,
	}
	if sevCounts.Total > 0 {
		report.Severity.Dominant = sevAreas.dominant()
		// Severity distribution uses area share, not count share.
		denom := sevAreas.total()
		if denom < areaEpsilon {
			denom = areaEpsilon
		}
		report.Severity.DistributionPercent = models.SeverityDistribution{
			Light:  100 * sevAreas.light / denom,
			Medium: 100 * sevAreas.medium / denom,
			Heavy:  100 * sevAreas.heavy / denom,
		}
	}

	report.ClassBreakdown = buildClassBreakdown(classCounts, byLabel, labelOrder)
	return report
}

// buildClassBreakdown assembles per-bucket count shares and the per-label
// list sorted by descending raw count.
func buildClassBreakdown(counts models.ClassCounts, byLabel map[string]*perLabelAcc, labelOrder []string) models.ClassBreakdown {
	breakdown := models.ClassBreakdown{
		Counts:   counts,
		PerClass: []models.PerClassStat{},
	}
	if counts.Total == 0 {
		return breakdown
	}

	total := float64(counts.Total)
	// Damage-type distribution uses count share, unlike severity.
	breakdown.DistributionPercent = models.ClassDistribution{
		Pothole: 100 * float64(counts.Pothole) / total,
		Crack:   100 * float64(counts.Crack) / total,
		Rutting: 100 * float64(counts.Rutting) / total,
		Other:   100 * float64(counts.Other) / total,
	}

	stats := make([]models.PerClassStat, 0, len(labelOrder))
	for _, label := range labelOrder {
		acc := byLabel[label]
		stats = append(stats, models.PerClassStat{
			Label:             acc.label,
			Count:             acc.count,
			CountSharePercent: 100 * float64(acc.count) / total,
			TotalAreaPercent:  acc.area,
			DominantSeverity:  acc.areas.dominant(),
		})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].Count > stats[j].Count
	})
	breakdown.PerClass = stats

	dominant := stats[0].Label
	breakdown.DominantClass = &dominant
	return breakdown
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
