package classify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/radar-cli/internal/model"
)

const locationPrompt = `You review places discovered on maps and directories for a community guide of %s businesses and organisations.

Decide whether the place belongs in the guide and which category fits it best.
Allowed categories: %s.

Respond with ONLY valid JSON, no other text:
{"action": "keep" or "ignore", "category": "<one allowed category>", "confidence_score": 0.0, "reason": "brief explanation"}

confidence_score is a number between 0.0 and 1.0. Use "ignore" for places that are closed, unrelated to the community, or too vague to judge.`

const verifyPrompt = `You audit entries of a community guide of %s businesses and organisations before they are published.

An earlier review kept this place and filed it under current_category. Check it again on your own: the place must still operate, serve or be run by the community, and match an allowed category.
Allowed categories: %s.

Respond with ONLY valid JSON, no other text:
{"action": "keep" or "ignore", "category": "<one allowed category>", "confidence_score": 0.0, "reason": "brief explanation"}

confidence_score is a number between 0.0 and 1.0. Answer "ignore" unless the listing itself supports keeping it. A plausible name alone is not enough.`

const eventPrompt = `You enrich events collected from community websites for a %s diaspora events calendar.

Identify the main language the event is held in, the best matching category and a one sentence summary in English.
Allowed categories: %s.

Respond with ONLY valid JSON, no other text:
{"language_code": "<ISO 639-1 code>", "category_key": "<one allowed category>", "summary": "one sentence", "confidence_score": 0.0}

confidence_score is a number between 0.0 and 1.0 expressing how confident you are the event is relevant and correctly described.`

func locationSystemPrompt(community string, categories []string) string {
	return fmt.Sprintf(locationPrompt, communityOrDefault(community), strings.Join(categories, ", "))
}

func verifySystemPrompt(community string, categories []string) string {
	return fmt.Sprintf(verifyPrompt, communityOrDefault(community), strings.Join(categories, ", "))
}

func eventSystemPrompt(community string, categories []string) string {
	return fmt.Sprintf(eventPrompt, communityOrDefault(community), strings.Join(categories, ", "))
}

func communityOrDefault(c string) string {
	if c = strings.TrimSpace(c); c == "" {
		return "diaspora"
	}
	return c
}

// promptInput is the record subset sent to the model and kept in the
// decision log as the input snapshot.
type promptInput struct {
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
	Locality     string `json:"locality,omitempty"`
	CategoryHint string `json:"category_hint,omitempty"`
	Category     string `json:"current_category,omitempty"`
	StartsAt     string `json:"starts_at,omitempty"`
	EndsAt       string `json:"ends_at,omitempty"`
	Description  string `json:"description,omitempty"`
	URL          string `json:"url,omitempty"`
	Source       string `json:"source"`
}

const maxDescriptionChars = 4000

func inputFor(r *model.Record) promptInput {
	in := promptInput{
		Name:         r.Name,
		Address:      r.Address,
		Locality:     r.Locality,
		CategoryHint: r.CategoryHint,
		Description:  r.Description,
		URL:          r.URL,
		Source:       r.Source,
	}
	if r.StartsAt != nil {
		in.StartsAt = r.StartsAt.Format(time.RFC3339)
	}
	if r.EndsAt != nil {
		in.EndsAt = r.EndsAt.Format(time.RFC3339)
	}
	if runes := []rune(in.Description); len(runes) > maxDescriptionChars {
		in.Description = string(runes[:maxDescriptionChars])
	}
	return in
}

func userMessage(in promptInput) (string, error) {
	b, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", err
	}
	return "Evaluate this listing:\n" + string(b), nil
}
