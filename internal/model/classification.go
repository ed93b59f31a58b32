package model

// Action is the classifier's keep/ignore decision for a location.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionIgnore Action = "ignore"
)

// LocationVerdict is the validated classifier output for a location.
type LocationVerdict struct {
	Action     Action  `json:"action"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence_score"`
	Reason     string  `json:"reason"`
}

// EventEnrichment is the validated enrichment output for an event.
type EventEnrichment struct {
	LanguageCode string  `json:"language_code"`
	CategoryKey  string  `json:"category_key"`
	Summary      string  `json:"summary"`
	Confidence   float64 `json:"confidence_score"`
}
