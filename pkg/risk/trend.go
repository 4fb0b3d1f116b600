package risk

import "github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"

const (
	TrendRising  = "RISING"
	TrendFalling = "FALLING"
	TrendStable  = "STABLE"
)

// trendDeadBand is the score delta within which a trend counts as stable.
const trendDeadBand = 5

// TrendDirection compares the latest score against the trailing average
// of the earlier points. Points must be ordered oldest first.
func TrendDirection(points []models.RiskTrendPoint) string {
	if len(points) < 2 {
		return TrendStable
	}
	latest := points[len(points)-1].Score
	sum := 0
	for _, p := range points[:len(points)-1] {
		sum += p.Score
	}
	avg := float64(sum) / float64(len(points)-1)
	diff := float64(latest) - avg
	switch {
	case diff > trendDeadBand:
		return TrendRising
	case diff < -trendDeadBand:
		return TrendFalling
	default:
		return TrendStable
	}
}
