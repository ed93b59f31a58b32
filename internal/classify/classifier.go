// Package classify asks the model to classify locations and enrich events,
// and accepts only replies that pass strict validation.
package classify

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/resilience"
	"github.com/sells-group/radar-cli/internal/store"
	"github.com/sells-group/radar-cli/pkg/anthropic"
)

// Provider keys the shared limiter and breaker for model calls.
const Provider = "anthropic"

// Store is the persistence the classifier writes to.
type Store interface {
	UpdateClassification(ctx context.Context, id string, c store.Classification) error
	AppendDecisions(ctx context.Context, ds ...model.Decision) error
}

// Config holds model settings and the controlled vocabularies.
type Config struct {
	Model           string
	MaxTokens       int64
	Community       string
	Categories      []string
	EventCategories []string
	Pricing         anthropic.Pricing
}

// Classifier calls the model for one record at a time. It is safe for
// concurrent use.
type Classifier struct {
	ai    anthropic.Client
	guard *resilience.Guard
	store Store
	cfg   Config

	locationSystem []anthropic.SystemBlock
	verifySystem   []anthropic.SystemBlock
	eventSystem    []anthropic.SystemBlock
}

// New creates a Classifier. System prompts are built once and carry a 1h
// cache breakpoint.
func New(ai anthropic.Client, guard *resilience.Guard, st Store, cfg Config) *Classifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Classifier{
		ai:             ai,
		guard:          guard,
		store:          st,
		cfg:            cfg,
		locationSystem: anthropic.BuildCachedSystemBlocks(locationSystemPrompt(cfg.Community, cfg.Categories)),
		verifySystem:   anthropic.BuildCachedSystemBlocks(verifySystemPrompt(cfg.Community, cfg.Categories)),
		eventSystem:    anthropic.BuildCachedSystemBlocks(eventSystemPrompt(cfg.Community, cfg.EventCategories)),
	}
}

// Prime warms the prompt cache for the given kind before a fan-out.
func (c *Classifier) Prime(ctx context.Context, kind model.Kind) error {
	system := c.locationSystem
	if kind == model.KindEvent {
		system = c.eventSystem
	}
	req := anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: 1,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: "Ready?"}},
	}
	resp, err := resilience.Call(ctx, c.guard, Provider, "primer", func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := anthropic.PrimerRequest(ctx, c.ai, req)
		return resp, apiError(err)
	})
	if err != nil {
		return eris.Wrap(err, "classify: prime cache")
	}
	resp.Usage.LogCost(c.cfg.Model, "primer", c.cfg.Pricing)
	return nil
}

// ClassifyLocation produces a keep/ignore verdict for a location and stores
// its category and confidence. A human-set category is kept.
func (c *Classifier) ClassifyLocation(ctx context.Context, r *model.Record) (*model.LocationVerdict, error) {
	return c.location(ctx, r, model.ActionClassify)
}

// VerifyLocation is the independent second pass over a pending location.
// It uses its own audit prompt, sees the category the first pass filed,
// and is logged as a verify decision.
func (c *Classifier) VerifyLocation(ctx context.Context, r *model.Record) (*model.LocationVerdict, error) {
	return c.location(ctx, r, model.ActionVerify)
}

func (c *Classifier) location(ctx context.Context, r *model.Record, action model.ActionType) (*model.LocationVerdict, error) {
	if r.Kind != model.KindLocation {
		return nil, eris.Errorf("classify: record %s is a %s, not a location", r.ID, r.Kind)
	}
	in := inputFor(r)
	system := c.locationSystem
	if action == model.ActionVerify {
		in.Category = r.Category
		system = c.verifySystem
	}
	text, err := c.ask(ctx, r.ID, action, system, in)
	if err != nil {
		return nil, err
	}

	v, err := ParseLocationVerdict(text, c.cfg.Categories)
	if err != nil {
		c.logRejected(ctx, r.ID, action, in, text, err)
		return nil, err
	}

	cls := store.Classification{
		Category:     r.Category,
		Confidence:   &v.Confidence,
		Summary:      r.Summary,
		LanguageCode: r.LanguageCode,
	}
	if v.Category != "" && !r.IsManual(model.FieldCategory) {
		cls.Category = v.Category
	}
	if err := c.commit(ctx, r, action, in, v, cls); err != nil {
		return nil, err
	}
	return &v, nil
}

// EnrichEvent adds language, category and summary to an event. Human-set
// category and summary are kept.
func (c *Classifier) EnrichEvent(ctx context.Context, r *model.Record) (*model.EventEnrichment, error) {
	if r.Kind != model.KindEvent {
		return nil, eris.Errorf("classify: record %s is a %s, not an event", r.ID, r.Kind)
	}
	in := inputFor(r)
	text, err := c.ask(ctx, r.ID, model.ActionEnrich, c.eventSystem, in)
	if err != nil {
		return nil, err
	}

	e, err := ParseEventEnrichment(text, c.cfg.EventCategories)
	if err != nil {
		c.logRejected(ctx, r.ID, model.ActionEnrich, in, text, err)
		return nil, err
	}

	cls := store.Classification{
		Category:     e.CategoryKey,
		Confidence:   &e.Confidence,
		Summary:      e.Summary,
		LanguageCode: e.LanguageCode,
	}
	if r.IsManual(model.FieldCategory) {
		cls.Category = r.Category
	}
	if r.IsManual(model.FieldSummary) {
		cls.Summary = r.Summary
	}
	if err := c.commit(ctx, r, model.ActionEnrich, in, e, cls); err != nil {
		return nil, err
	}
	return &e, nil
}

// ask sends one listing to the model. Transport failures that survive the
// retry policy are logged as failed decisions.
func (c *Classifier) ask(ctx context.Context, id string, action model.ActionType, system []anthropic.SystemBlock, in promptInput) (string, error) {
	msg, err := userMessage(in)
	if err != nil {
		return "", eris.Wrap(err, "classify: build prompt")
	}
	req := anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: msg}},
	}

	resp, err := resilience.Call(ctx, c.guard, Provider, string(action), func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := c.ai.CreateMessage(ctx, req)
		return resp, apiError(err)
	})
	if err != nil {
		if ctx.Err() == nil {
			c.appendDecision(ctx, model.Decision{
				SubjectID:     id,
				ActionType:    action,
				InputSnapshot: model.Snapshot(in),
				ErrorMessage:  err.Error(),
			})
		}
		return "", eris.Wrapf(err, "classify: %s %s", action, id)
	}
	resp.Usage.LogCost(c.cfg.Model, string(action), c.cfg.Pricing)

	text := resp.Text()
	if text == "" {
		err := invalid("response", "empty")
		c.logRejected(ctx, id, action, in, text, err)
		return "", err
	}
	return text, nil
}

func (c *Classifier) commit(ctx context.Context, r *model.Record, action model.ActionType, in promptInput, out any, cls store.Classification) error {
	if err := c.store.UpdateClassification(ctx, r.ID, cls); err != nil {
		return eris.Wrapf(err, "classify: store %s", r.ID)
	}
	r.Category = cls.Category
	r.Confidence = cls.Confidence
	r.Summary = cls.Summary
	r.LanguageCode = cls.LanguageCode

	c.appendDecision(ctx, model.Decision{
		SubjectID:       r.ID,
		ActionType:      action,
		InputSnapshot:   model.Snapshot(in),
		ValidatedOutput: model.Snapshot(out),
		IsSuccess:       true,
	})
	return nil
}

func (c *Classifier) logRejected(ctx context.Context, id string, action model.ActionType, in promptInput, raw string, err error) {
	zap.L().Warn("classify: rejected model reply",
		zap.String("component", "classify"),
		zap.String("record_id", id),
		zap.String("action", string(action)),
		zap.Error(err),
	)
	c.appendDecision(ctx, model.Decision{
		SubjectID:  id,
		ActionType: action,
		InputSnapshot: model.Snapshot(map[string]any{
			"input":        in,
			"raw_response": raw,
		}),
		ErrorMessage: err.Error(),
	})
}

func (c *Classifier) appendDecision(ctx context.Context, d model.Decision) {
	if err := c.store.AppendDecisions(ctx, d); err != nil {
		zap.L().Error("classify: append decision failed",
			zap.String("record_id", d.SubjectID),
			zap.Error(err),
		)
	}
}

// apiError marks retryable API statuses (429, 5xx, 529 overloaded) as
// transient so the guard retries them.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	if status := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return err
}

// IsValidation reports whether err is a rejected model reply.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
