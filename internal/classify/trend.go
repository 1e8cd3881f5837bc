package classify

import (
	"slices"
	"time"

	"astralcore.app/crisis/internal/model"
)

// Trend is a least-squares mood slope, in value units per day.
type Trend struct {
	Slope   float64
	Samples int
}

// Declining reports whether the trend satisfies rule. A nil trend never declines.
func (t *Trend) Declining(rule TrendRule) bool {
	if t == nil {
		return false
	}
	return t.Samples >= rule.MinSamples && t.Slope <= rule.Slope
}

// TrendFromSamples fits a line through the samples recorded within window before now.
// Returns nil when fewer than two usable samples remain or all share one timestamp.
func TrendFromSamples(samples []model.MoodSample, now time.Time, window time.Duration) *Trend {
	cutoff := now.Add(-window)
	usable := make([]model.MoodSample, 0, len(samples))
	for _, s := range samples {
		if s.RecordedAt.Before(cutoff) || s.RecordedAt.After(now) {
			continue
		}
		usable = append(usable, s)
	}
	if len(usable) < 2 {
		return nil
	}
	slices.SortFunc(usable, func(a, b model.MoodSample) int {
		return a.RecordedAt.Compare(b.RecordedAt)
	})

	origin := usable[0].RecordedAt
	n := float64(len(usable))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range usable {
		x := s.RecordedAt.Sub(origin).Hours() / 24
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return nil
	}
	return &Trend{
		Slope:   (n*sumXY - sumX*sumY) / denom,
		Samples: len(usable),
	}
}
