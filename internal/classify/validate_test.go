package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
)

var vocab = []string{"grocery", "restaurant", "other"}

func TestParseLocationVerdict_Valid(t *testing.T) {
	v, err := ParseLocationVerdict(`Sure! {"action":"keep","category":"grocery","confidence_score":0.92,"reason":"turkish grocer"}`, vocab)
	require.NoError(t, err)
	assert.Equal(t, model.ActionKeep, v.Action)
	assert.Equal(t, "grocery", v.Category)
	assert.InDelta(t, 0.92, v.Confidence, 1e-9)
	assert.Equal(t, "turkish grocer", v.Reason)

	v, err = ParseLocationVerdict("```json\n{\"action\":\"ignore\",\"confidence_score\":0.1}\n```", vocab)
	require.NoError(t, err)
	assert.Equal(t, model.ActionIgnore, v.Action)
	assert.Empty(t, v.Category)
}

func TestParseLocationVerdict_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		field string
	}{
		{"no json", "I cannot help with that", "response"},
		{"malformed", `{"action":"keep",}`, "response"},
		{"missing action", `{"category":"grocery","confidence_score":0.9}`, "action"},
		{"unknown action", `{"action":"maybe","category":"grocery","confidence_score":0.9}`, "action"},
		{"action wrong type", `{"action":true,"category":"grocery","confidence_score":0.9}`, "action"},
		{"category outside vocabulary", `{"action":"keep","category":"nightclub","confidence_score":0.9}`, "category"},
		{"keep without category", `{"action":"keep","confidence_score":0.9}`, "category"},
		{"confidence above one", `{"action":"keep","category":"grocery","confidence_score":1.2}`, "confidence_score"},
		{"confidence negative", `{"action":"keep","category":"grocery","confidence_score":-0.1}`, "confidence_score"},
		{"confidence as string", `{"action":"keep","category":"grocery","confidence_score":"0.9"}`, "confidence_score"},
		{"confidence missing", `{"action":"keep","category":"grocery"}`, "confidence_score"},
		{"reason wrong type", `{"action":"ignore","confidence_score":0.2,"reason":42}`, "reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLocationVerdict(tt.text, vocab)
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestParseLocationVerdict_ClampsScoreSynonym(t *testing.T) {
	v, err := ParseLocationVerdict(`{"action":"keep","category":"grocery","score":1.4}`, vocab)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.Confidence, 1e-9)

	v, err = ParseLocationVerdict(`{"action":"ignore","score":-3}`, vocab)
	require.NoError(t, err)
	assert.Zero(t, v.Confidence)

	// confidence_score wins over score and is never clamped.
	_, err = ParseLocationVerdict(`{"action":"keep","category":"grocery","confidence_score":1.4,"score":0.5}`, vocab)
	assert.Error(t, err)
}

func TestParseEventEnrichment(t *testing.T) {
	cats := []string{"music", "community"}

	e, err := ParseEventEnrichment(`{"language_code":"tr","category_key":"music","summary":"A Turkish folk concert.","confidence_score":0.75}`, cats)
	require.NoError(t, err)
	assert.Equal(t, "tr", e.LanguageCode)
	assert.Equal(t, "music", e.CategoryKey)
	assert.Equal(t, "A Turkish folk concert.", e.Summary)
	assert.InDelta(t, 0.75, e.Confidence, 1e-9)

	bad := map[string]string{
		"language_code": `{"language_code":"turkish","category_key":"music","summary":"x","confidence_score":0.7}`,
		"category_key":  `{"language_code":"nl","category_key":"sports","summary":"x","confidence_score":0.7}`,
		"summary":       `{"language_code":"nl","category_key":"music","summary":"  ","confidence_score":0.7}`,
	}
	for field, text := range bad {
		_, err := ParseEventEnrichment(text, cats)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), field)
		assert.Equal(t, field, ve.Field)
	}
}

func TestCheckLanguage(t *testing.T) {
	for _, code := range []string{"tr", "nl", "en", "ar", "ku"} {
		assert.NoError(t, checkLanguage(code), code)
	}
	for _, code := range []string{"", "TR", "tur", "t", "t1", "en-GB"} {
		assert.Error(t, checkLanguage(code), code)
	}
}
