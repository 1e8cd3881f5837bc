package model

type RecommendationChannel string

const (
	ChannelSelfGuided   RecommendationChannel = "self-guided"
	ChannelHumanContact RecommendationChannel = "human-contact"
	ChannelEmergency    RecommendationChannel = "emergency"
)

// Urgency breaks priority ties: emergency > human-contact > self-guided.
func (c RecommendationChannel) Urgency() int {
	switch c {
	case ChannelEmergency:
		return 3
	case ChannelHumanContact:
		return 2
	case ChannelSelfGuided:
		return 1
	default:
		return 0
	}
}

type ResourceRecommendation struct {
	Action   string                `json:"action"`
	Priority int                   `json:"priority"`
	Channel  RecommendationChannel `json:"channel"`
	Resource string                `json:"resource,omitempty"`
}
