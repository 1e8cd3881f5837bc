package model

import "time"

// MoodSample is a caller-supplied mood rating. Value is on the caller's scale
// (typically 1-10); only the slope matters.
type MoodSample struct {
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recordedAt"`
}
