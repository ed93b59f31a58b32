package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/cache"
	"github.com/sells-group/radar-cli/internal/classify"
	"github.com/sells-group/radar-cli/internal/config"
	"github.com/sells-group/radar-cli/internal/dedup"
	"github.com/sells-group/radar-cli/internal/lifecycle"
	"github.com/sells-group/radar-cli/internal/normalize"
	"github.com/sells-group/radar-cli/internal/orchestrator"
	"github.com/sells-group/radar-cli/internal/resilience"
	"github.com/sells-group/radar-cli/internal/source"
	"github.com/sells-group/radar-cli/internal/store"
	anthropicpkg "github.com/sells-group/radar-cli/pkg/anthropic"
	"github.com/sells-group/radar-cli/pkg/geocode"
	"github.com/sells-group/radar-cli/pkg/google"
)

// appEnv holds the store and every pipeline component a command needs.
type appEnv struct {
	Store        store.Store
	Guard        *resilience.Guard
	Sources      *source.Registry
	Dedup        *dedup.Engine
	Machine      *lifecycle.Machine
	Classifier   *classify.Classifier // nil without an Anthropic key
	Orchestrator *orchestrator.Orchestrator
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func newGuard(c config.ResilienceConfig) *resilience.Guard {
	toLimit := func(p config.ProviderLimit) resilience.LimitConfig {
		return resilience.LimitConfig{RPS: p.RPS, Burst: p.Burst, MaxInFlight: p.MaxInFlight}
	}
	overrides := make(map[string]resilience.LimitConfig, len(c.Providers))
	for name, p := range c.Providers {
		overrides[name] = toLimit(p)
	}

	retry := resilience.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		retry.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.AttemptTimeoutSecs > 0 {
		retry.AttemptTimeout = time.Duration(c.AttemptTimeoutSecs) * time.Second
	}

	return resilience.NewGuard(
		resilience.NewProviderLimiters(toLimit(c.Default), overrides),
		retry,
		resilience.BreakerConfig{
			FailureThreshold: c.BreakerThreshold,
			Cooldown:         time.Duration(c.BreakerCooldownSecs) * time.Second,
		},
	)
}

func lifecycleThresholds(c config.LifecycleConfig) lifecycle.Thresholds {
	th := lifecycle.DefaultThresholds()
	th.Classification = c.ClassificationThreshold
	th.Verification = c.VerificationThreshold
	th.Event = c.EventThreshold
	if c.StalenessDays > 0 {
		th.Staleness = c.Staleness()
	}
	return th
}

func dedupThresholds(c config.DedupConfig) dedup.Thresholds {
	return dedup.Thresholds{
		NameThreshold:  c.NameThreshold,
		MaxDistanceM:   c.MaxDistanceM,
		TitleThreshold: c.TitleThreshold,
		CellDegrees:    c.CellDegrees,
	}
}

// buildSources registers the places adapter when a Google key is set and
// the event page adapter always.
func buildSources(guard *resilience.Guard) *source.Registry {
	reg := source.NewRegistry()
	if cfg.Google.Key != "" {
		client := google.NewClient(cfg.Google.Key, google.WithBaseURL(cfg.Google.BaseURL))
		reg.Register(source.NewPlacesAdapter(client, guard, cfg.Google.MaxPages, cfg.Google.Language))
	} else {
		zap.L().Debug("RADAR_GOOGLE_KEY not set, places adapter disabled")
	}
	reg.Register(source.NewEventPageAdapter(guard,
		source.WithMaxBody(cfg.Scrape.MaxBodyBytes),
		source.WithUserAgent(cfg.Scrape.UserAgent),
	))
	zap.L().Debug("sources registered", zap.Strings("sources", reg.Names()))
	return reg
}

func buildNormalizer() *normalize.Normalizer {
	opts := []normalize.Option{
		normalize.WithEventDuration(time.Duration(cfg.Worker.EventDurationMinutes) * time.Minute),
	}
	if cfg.Geocode.Enabled {
		key := cfg.Geocode.Key
		if key == "" {
			key = cfg.Google.Key
		}
		client := geocode.NewClient(key,
			geocode.WithBaseURL(cfg.Geocode.BaseURL),
			geocode.WithRateLimit(cfg.Geocode.RPS),
		)
		ttl := cache.NewTTL[string, geocode.Result](time.Duration(cfg.Geocode.CacheTTLHours)*time.Hour, cfg.Geocode.CacheSize)
		opts = append(opts, normalize.WithGeocoder(geocode.NewCached(client, ttl)))
		zap.L().Info("geocoding enabled", zap.Int("cache_size", cfg.Geocode.CacheSize))
	}
	return normalize.New(opts...)
}

func buildClassifier(st store.Store, guard *resilience.Guard) *classify.Classifier {
	if cfg.Anthropic.Key == "" {
		zap.L().Debug("RADAR_ANTHROPIC_KEY not set, classification disabled")
		return nil
	}
	configured := make(map[string]anthropicpkg.Pricing, len(cfg.Pricing.Anthropic))
	for name, p := range cfg.Pricing.Anthropic {
		configured[name] = anthropicpkg.Pricing{
			Input:         p.Input,
			Output:        p.Output,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	pricing, ok := anthropicpkg.PricingFor(cfg.Anthropic.Model, configured)
	if !ok {
		zap.L().Warn("no pricing for model, cost estimates will be zero", zap.String("model", cfg.Anthropic.Model))
	}
	return classify.New(anthropicpkg.NewClient(cfg.Anthropic.Key), guard, st, classify.Config{
		Model:           cfg.Anthropic.Model,
		MaxTokens:       cfg.Anthropic.MaxTokens,
		Community:       cfg.Classify.Community,
		Categories:      cfg.Classify.Categories,
		EventCategories: cfg.Classify.EventCategories,
		Pricing:         pricing,
	})
}

// initEnv validates the config for mode, opens the store and wires the
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	guard := newGuard(cfg.Resilience)
	env := &appEnv{
		Store:   st,
		Guard:   guard,
		Sources: buildSources(guard),
		Dedup:   dedup.NewEngine(st, dedupThresholds(cfg.Dedup)),
		Machine: lifecycle.NewMachine(st, lifecycleThresholds(cfg.Lifecycle)),
	}
	env.Classifier = buildClassifier(st, guard)

	opts := orchestrator.Options{Concurrency: cfg.Worker.Concurrency}
	if env.Classifier != nil {
		opts.Classifier = env.Classifier
	}
	if cfg.Worker.LockDir != "" {
		locks, err := orchestrator.NewScopeLock(cfg.Worker.LockDir)
		if err != nil {
			env.Close()
			return nil, err
		}
		opts.Locks = locks
	}
	env.Orchestrator = orchestrator.New(st, env.Sources, buildNormalizer(), env.Dedup, env.Machine, opts)
	return env, nil
}

// reverifier builds the re-verification pass. Without a classifier it only
// checks staleness.
func (e *appEnv) reverifier() *lifecycle.Reverifier {
	var v lifecycle.Verifier
	if e.Classifier != nil {
		v = e.Classifier
	}
	return lifecycle.NewReverifier(e.Machine, e.Store, v, cfg.Worker.Concurrency)
}
