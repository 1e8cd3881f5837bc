package recommend

import (
	"cmp"
	"slices"

	"astralcore.app/crisis/internal/model"
)

var (
	call988 = model.ResourceRecommendation{
		Action:   "Call 988",
		Channel:  model.ChannelEmergency,
		Resource: "988 Suicide & Crisis Lifeline (tel:988)",
	}
	call911 = model.ResourceRecommendation{
		Action:   "If you are in immediate danger, call 911",
		Channel:  model.ChannelEmergency,
		Resource: "tel:911",
	}
	crisisText = model.ResourceRecommendation{
		Action:   "Text HOME to 741741",
		Channel:  model.ChannelHumanContact,
		Resource: "Crisis Text Line (sms:741741)",
	}
	peerSupport = model.ResourceRecommendation{
		Action:  "Connect with a peer supporter now",
		Channel: model.ChannelHumanContact,
	}
	trustedPerson = model.ResourceRecommendation{
		Action:  "Reach out to someone you trust",
		Channel: model.ChannelHumanContact,
	}
	stayWithSomeone = model.ResourceRecommendation{
		Action:  "Stay with someone you trust until help arrives",
		Channel: model.ChannelHumanContact,
	}
	breathing = model.ResourceRecommendation{
		Action:   "Try a guided breathing exercise",
		Channel:  model.ChannelSelfGuided,
		Resource: "breathing-4-7-8",
	}
	grounding = model.ResourceRecommendation{
		Action:   "Try the 5-4-3-2-1 grounding technique",
		Channel:  model.ChannelSelfGuided,
		Resource: "grounding-54321",
	}
	journal = model.ResourceRecommendation{
		Action:  "Write down what is on your mind",
		Channel: model.ChannelSelfGuided,
	}

	dvHotline = model.ResourceRecommendation{
		Action:   "Call the National Domestic Violence Hotline",
		Channel:  model.ChannelHumanContact,
		Resource: "tel:1-800-799-7233",
	}
	samhsa = model.ResourceRecommendation{
		Action:   "Call the SAMHSA National Helpline",
		Channel:  model.ChannelHumanContact,
		Resource: "tel:1-800-662-4357",
	}
	meansSafety = model.ResourceRecommendation{
		Action:  "Put distance between yourself and anything you could use to hurt yourself",
		Channel: model.ChannelSelfGuided,
	}
	safetyPlan = model.ResourceRecommendation{
		Action:   "Open your safety plan and list three reasons to keep going",
		Channel:  model.ChannelSelfGuided,
		Resource: "safety-plan",
	}
)

func with(r model.ResourceRecommendation, priority int) model.ResourceRecommendation {
	r.Priority = priority
	return r
}

var table = map[model.Severity][]model.ResourceRecommendation{
	model.SeverityLow: {
		with(breathing, 50),
		with(journal, 40),
		with(trustedPerson, 30),
	},
	model.SeverityMedium: {
		with(trustedPerson, 60),
		with(grounding, 60),
		with(crisisText, 50),
		with(breathing, 40),
	},
	model.SeverityHigh: {
		with(call988, 90),
		with(peerSupport, 80),
		with(crisisText, 70),
		with(grounding, 40),
	},
	model.SeverityCritical: {
		with(call988, 100),
		with(call911, 95),
		with(stayWithSomeone, 80),
		with(peerSupport, 70),
		with(breathing, 30),
	},
}

// Selector maps severity and risk categories to an ordered recommendation list.
type Selector struct{}

func NewSelector() *Selector {
	return &Selector{}
}

// Recommend never returns an empty list. Unknown severities are treated as low.
func (s *Selector) Recommend(severity model.Severity, categories []model.RiskCategory) []model.ResourceRecommendation {
	severity = severity.Normalize()
	recs := slices.Clone(table[severity])

	// category resources go ahead of generic support but never above emergency items
	top := 0
	for _, r := range recs {
		if r.Channel != model.ChannelEmergency && r.Priority > top {
			top = r.Priority
		}
	}

	for _, cat := range categories {
		switch cat {
		case model.RiskCategoryAbuse:
			recs = add(recs, with(dvHotline, top+5))
		case model.RiskCategoryAddiction:
			recs = add(recs, with(samhsa, top+3))
		case model.RiskCategorySelfHarm, model.RiskCategoryPlanIndicator:
			if severity.AtLeast(model.SeverityHigh) {
				recs = add(recs, with(call988, 100))
				recs = add(recs, with(meansSafety, top+4))
			}
		case model.RiskCategoryHopelessness:
			recs = add(recs, with(safetyPlan, top+1))
		}
	}

	Sort(recs)
	return recs
}

// add keeps one entry per action, preferring the higher priority.
func add(recs []model.ResourceRecommendation, r model.ResourceRecommendation) []model.ResourceRecommendation {
	for i, existing := range recs {
		if existing.Action == r.Action {
			if r.Priority > existing.Priority {
				recs[i] = r
			}
			return recs
		}
	}
	return append(recs, r)
}

// Sort orders by descending priority, then channel urgency, then action.
func Sort(recs []model.ResourceRecommendation) {
	slices.SortStableFunc(recs, func(a, b model.ResourceRecommendation) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Channel.Urgency(), a.Channel.Urgency()); c != 0 {
			return c
		}
		return cmp.Compare(a.Action, b.Action)
	})
}
