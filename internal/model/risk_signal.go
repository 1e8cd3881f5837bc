package model

type RiskCategory string

const (
	RiskCategorySelfHarm      RiskCategory = "self-harm"
	RiskCategoryAbuse         RiskCategory = "abuse"
	RiskCategoryAddiction     RiskCategory = "addiction"
	RiskCategoryHopelessness  RiskCategory = "hopelessness"
	RiskCategoryPlanIndicator RiskCategory = "plan-indicator"
	RiskCategoryOther         RiskCategory = "other"
)

var RiskCategories = []RiskCategory{
	RiskCategorySelfHarm,
	RiskCategoryAbuse,
	RiskCategoryAddiction,
	RiskCategoryHopelessness,
	RiskCategoryPlanIndicator,
	RiskCategoryOther,
}

func (c RiskCategory) IsValid() bool {
	for _, known := range RiskCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Span is a half-open byte range [Start, End) into the scanned text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RiskSignal is a single weighted lexical match. Produced per scan and never mutated.
type RiskSignal struct {
	Category RiskCategory `json:"category"`
	Weight   float64      `json:"weight"`
	Span     Span         `json:"sourceSpan"`
	Term     string       `json:"term"`
}

// SignalCategories returns the distinct categories present, in first-seen order.
func SignalCategories(signals []RiskSignal) []RiskCategory {
	seen := make(map[RiskCategory]bool, len(signals))
	var out []RiskCategory
	for _, s := range signals {
		if seen[s.Category] {
			continue
		}
		seen[s.Category] = true
		out = append(out, s.Category)
	}
	return out
}
