package model

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities. Unknown values rank below low so they never win a max.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Normalize maps unknown values to low so every downstream table lookup is total.
func (s Severity) Normalize() Severity {
	if !s.IsValid() {
		return SeverityLow
	}
	return s
}

// RequiresEscalation reports whether an event at this severity is escalated automatically.
func (s Severity) RequiresEscalation() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}
