package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/model"
)

// timeLayout is fixed-width so TEXT timestamps in SQLite compare correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse time %q", s)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeManual(fields []string) string {
	if len(fields) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(fields)
	return string(b)
}

func decodeManual(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func encodeCounters(c model.Counters) string {
	if c == nil {
		return "{}"
	}
	b, _ := json.Marshal(c)
	return string(b)
}

func decodeCounters(s string) model.Counters {
	c := model.Counters{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &c)
	}
	return c
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}

const recordColumns = `id, kind, name, name_key, address, locality, lat, lng, has_geo, bucket,
	category, category_hint, starts_at, ends_at, description, url, summary, language_code,
	source, external_id, content_hash, confidence, state, duplicate_of, retired, manual_fields,
	first_seen_at, last_seen_at, created_at, updated_at`

const candidateColumns = `id, run_id, kind, source, external_id, content_hash, payload,
	status, outcome, record_id, error, fetched_at, created_at`

func stampCandidate(c *model.CandidateEntry) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = c.CreatedAt
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func marshalScope(s model.Scope) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal scope")
	}
	return string(b), nil
}

func unmarshalScope(s string, dst *model.Scope) error {
	if s == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(s), dst), "store: unmarshal scope")
}

func runLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
