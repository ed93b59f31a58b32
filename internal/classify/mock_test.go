package classify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/resilience"
	"github.com/sells-group/radar-cli/internal/store"
	"github.com/sells-group/radar-cli/pkg/anthropic"
)

// mockAIClient implements anthropic.Client for testing.
type mockAIClient struct {
	mock.Mock
}

func (m *mockAIClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 120, OutputTokens: 30},
	}
}

var testConfig = Config{
	Model:           "claude-haiku-4-5-20251001",
	Community:       "Turkish",
	Categories:      []string{"grocery", "restaurant", "bakery", "other"},
	EventCategories: []string{"music", "religious", "community", "other"},
}

func testGuard() *resilience.Guard {
	return resilience.NewGuard(nil, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}, resilience.BreakerConfig{FailureThreshold: 50, Cooldown: time.Second})
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "classify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func insertRecord(t *testing.T, st *store.SQLiteStore, r *model.Record) *model.Record {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if r.ID == "" {
		r.ID = "rec-" + r.Name
	}
	if r.Source == "" {
		r.Source = "google_places"
	}
	r.State = model.InitialState(r.Kind)
	r.FirstSeenAt, r.LastSeenAt, r.CreatedAt, r.UpdatedAt = now, now, now, now
	require.NoError(t, st.InsertRecord(context.Background(), r))
	return r
}
