package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/language"

	"github.com/sells-group/radar-cli/internal/model"
)

// ValidationError reports a model response that does not have the expected
// shape. The record it was meant for is left untouched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("classify: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var langCodeRe = regexp.MustCompile(`^[a-z]{2}$`)

// decodeObject pulls the JSON object out of a model reply. Code fences and
// prose around the object are tolerated; anything else is not.
func decodeObject(text string) (map[string]json.RawMessage, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, invalid("response", "no JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, invalid("response", "malformed JSON: %v", err)
	}
	return obj, nil
}

func present(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := obj[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func stringField(obj map[string]json.RawMessage, key string, required bool) (string, error) {
	raw, ok := present(obj, key)
	if !ok {
		if required {
			return "", invalid(key, "missing")
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(key, "must be a string")
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", invalid(key, "empty")
	}
	return s, nil
}

func numberField(raw json.RawMessage, key string) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, invalid(key, "must be a number")
	}
	return f, nil
}

// confidenceField reads confidence_score, which must already be in [0,1].
// Models that answer with "score" instead get that value clamped.
func confidenceField(obj map[string]json.RawMessage) (float64, error) {
	if raw, ok := present(obj, "confidence_score"); ok {
		f, err := numberField(raw, "confidence_score")
		if err != nil {
			return 0, err
		}
		if f < 0 || f > 1 {
			return 0, invalid("confidence_score", "%v outside [0,1]", f)
		}
		return f, nil
	}
	if raw, ok := present(obj, "score"); ok {
		f, err := numberField(raw, "score")
		if err != nil {
			return 0, err
		}
		return min(max(f, 0), 1), nil
	}
	return 0, invalid("confidence_score", "missing")
}

// ParseLocationVerdict validates a location classification reply against
// the category vocabulary.
func ParseLocationVerdict(text string, categories []string) (model.LocationVerdict, error) {
	var v model.LocationVerdict
	obj, err := decodeObject(text)
	if err != nil {
		return v, err
	}

	action, err := stringField(obj, "action", true)
	if err != nil {
		return v, err
	}
	switch model.Action(action) {
	case model.ActionKeep, model.ActionIgnore:
		v.Action = model.Action(action)
	default:
		return v, invalid("action", "%q is not keep or ignore", action)
	}

	v.Category, err = stringField(obj, "category", v.Action == model.ActionKeep)
	if err != nil {
		return v, err
	}
	if v.Category != "" && !slices.Contains(categories, v.Category) {
		return v, invalid("category", "%q is not in the vocabulary", v.Category)
	}

	if v.Confidence, err = confidenceField(obj); err != nil {
		return v, err
	}
	if v.Reason, err = stringField(obj, "reason", false); err != nil {
		return v, err
	}
	return v, nil
}

// ParseEventEnrichment validates an event enrichment reply against the
// event category vocabulary. language_code must be a known ISO 639-1 code.
func ParseEventEnrichment(text string, categories []string) (model.EventEnrichment, error) {
	var e model.EventEnrichment
	obj, err := decodeObject(text)
	if err != nil {
		return e, err
	}

	if e.LanguageCode, err = stringField(obj, "language_code", true); err != nil {
		return e, err
	}
	if err := checkLanguage(e.LanguageCode); err != nil {
		return e, err
	}

	if e.CategoryKey, err = stringField(obj, "category_key", true); err != nil {
		return e, err
	}
	if !slices.Contains(categories, e.CategoryKey) {
		return e, invalid("category_key", "%q is not in the vocabulary", e.CategoryKey)
	}

	if e.Summary, err = stringField(obj, "summary", true); err != nil {
		return e, err
	}
	if e.Confidence, err = confidenceField(obj); err != nil {
		return e, err
	}
	return e, nil
}

func checkLanguage(code string) error {
	if !langCodeRe.MatchString(code) {
		return invalid("language_code", "%q is not a two-letter lowercase code", code)
	}
	base, err := language.ParseBase(code)
	if err != nil || base.String() != code {
		return invalid("language_code", "%q is not an ISO 639-1 language", code)
	}
	return nil
}
