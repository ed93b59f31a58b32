package model

import (
	"encoding/json"
	"time"
)

// ActionType identifies what produced an audit decision.
type ActionType string

const (
	ActionClassify   ActionType = "classify"
	ActionEnrich     ActionType = "enrich"
	ActionVerify     ActionType = "verify"
	ActionTransition ActionType = "transition"
	ActionOverride   ActionType = "override"
	ActionDuplicate  ActionType = "duplicate"
	ActionMerge      ActionType = "merge"
	ActionEdit       ActionType = "manual_edit"
	ActionStaleFlag  ActionType = "stale_flag"
	ActionNormalize  ActionType = "normalize"
)

// Decision is one append-only audit log entry explaining why a record
// reached its current state.
type Decision struct {
	ID              string          `json:"id"`
	SubjectID       string          `json:"subject_id"`
	ActionType      ActionType      `json:"action_type"`
	InputSnapshot   json.RawMessage `json:"input_snapshot,omitempty"`
	ValidatedOutput json.RawMessage `json:"validated_output,omitempty"`
	IsSuccess       bool            `json:"is_success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Snapshot marshals v for a decision payload. Marshal failures degrade to an
// object holding the error so the audit entry is still written.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	switch raw := v.(type) {
	case json.RawMessage:
		return raw
	case []byte:
		if json.Valid(raw) {
			return raw
		}
		v = string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}
