package classify

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"astralcore.app/crisis/core/config"
	"astralcore.app/crisis/internal/model"
)

// Thresholds map signal weights to severity contributions.
type Thresholds struct {
	MinWeight        float64
	Medium           float64
	High             float64
	Critical         float64
	SelfHarmCritical float64
}

// TrendRule decides when a mood trend counts as declining.
type TrendRule struct {
	Slope      float64 // per day; at or below counts as declining
	MinSamples int
	Window     time.Duration
}

type Config struct {
	Thresholds Thresholds
	Trend      TrendRule
}

func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			MinWeight:        0.1,
			Medium:           0.3,
			High:             0.6,
			Critical:         0.9,
			SelfHarmCritical: 0.7,
		},
		Trend: TrendRule{
			Slope:      -0.5,
			MinSamples: 3,
			Window:     7 * 24 * time.Hour,
		},
	}
}

func ConfigFrom(dc config.DetectionConfig) Config {
	return Config{
		Thresholds: Thresholds{
			MinWeight:        dc.MinWeight,
			Medium:           dc.Medium,
			High:             dc.High,
			Critical:         dc.Critical,
			SelfHarmCritical: dc.SelfHarmCritical,
		},
		Trend: TrendRule{
			Slope:      dc.TrendSlope,
			MinSamples: dc.TrendMinSamples,
			Window:     dc.TrendWindow,
		},
	}
}

func (t Thresholds) Validate() error {
	var errs []error
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"min", t.MinWeight},
		{"medium", t.Medium},
		{"high", t.High},
		{"critical", t.Critical},
		{"self_harm_critical", t.SelfHarmCritical},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, fmt.Errorf("threshold %s=%.3f outside [0,1]", th.name, th.value))
		}
	}
	if !(t.MinWeight <= t.Medium && t.Medium < t.High && t.High < t.Critical) {
		errs = append(errs, fmt.Errorf("thresholds must satisfy min <= medium < high < critical (got %.3f, %.3f, %.3f, %.3f)",
			t.MinWeight, t.Medium, t.High, t.Critical))
	}
	if t.SelfHarmCritical == 0 {
		errs = append(errs, errors.New("threshold self_harm_critical must be positive"))
	}
	return errors.Join(errs...)
}

func (r TrendRule) Validate() error {
	var errs []error
	if r.Slope >= 0 {
		errs = append(errs, fmt.Errorf("trend slope %.3f must be negative", r.Slope))
	}
	if r.MinSamples < 2 {
		errs = append(errs, fmt.Errorf("trend min samples %d must be at least 2", r.MinSamples))
	}
	if r.Window <= 0 {
		errs = append(errs, fmt.Errorf("trend window %s must be positive", r.Window))
	}
	return errors.Join(errs...)
}

// Classifier turns risk signals into a severity. Safe for concurrent use.
type Classifier struct {
	cfg Config
}

// New validates cfg and replaces any invalid group with the defaults.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if err := cfg.Thresholds.Validate(); err != nil {
		slog.Warn("invalid severity thresholds, using defaults", "error", err)
		cfg.Thresholds = def.Thresholds
	}
	if err := cfg.Trend.Validate(); err != nil {
		slog.Warn("invalid trend rule, using defaults", "error", err)
		cfg.Trend = def.Trend
	}
	return &Classifier{cfg: cfg}
}

func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify always returns exactly one of the four severities.
func (c *Classifier) Classify(signals []model.RiskSignal, trend *Trend) model.Severity {
	t := c.cfg.Thresholds
	severity := model.SeverityLow
	distinct := make(map[model.RiskCategory]struct{})
	forceHigh := false
	forceCritical := false

	for _, s := range signals {
		if s.Weight < t.MinWeight {
			continue
		}
		severity = model.MaxSeverity(severity, c.contribution(s.Weight))

		if s.Category != model.RiskCategoryOther {
			distinct[s.Category] = struct{}{}
		}
		if s.Category == model.RiskCategoryPlanIndicator {
			forceHigh = true
		}
		if s.Category == model.RiskCategorySelfHarm && s.Weight >= t.SelfHarmCritical {
			forceCritical = true
		}
	}

	if forceHigh || len(distinct) >= 2 {
		severity = model.MaxSeverity(severity, model.SeverityHigh)
	}
	if forceCritical {
		severity = model.SeverityCritical
	}
	if severity == model.SeverityLow && trend.Declining(c.cfg.Trend) {
		severity = model.SeverityMedium
	}
	return severity
}

func (c *Classifier) contribution(weight float64) model.Severity {
	t := c.cfg.Thresholds
	switch {
	case weight >= t.Critical:
		return model.SeverityCritical
	case weight >= t.High:
		return model.SeverityHigh
	case weight >= t.Medium:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
