package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/db"
	"github.com/sells-group/radar-cli/internal/model"
)

// PostgresStore implements Store on Postgres with PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects a pool and wraps it.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Closing the store does not
// close the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	name_key      TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL DEFAULT '',
	locality      TEXT NOT NULL DEFAULT '',
	lat           DOUBLE PRECISION NOT NULL DEFAULT 0,
	lng           DOUBLE PRECISION NOT NULL DEFAULT 0,
	has_geo       BOOLEAN NOT NULL DEFAULT false,
	geom          geometry(Point, 4326),
	bucket        TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	category_hint TEXT NOT NULL DEFAULT '',
	starts_at     TIMESTAMPTZ,
	ends_at       TIMESTAMPTZ,
	description   TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	language_code TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	external_id   TEXT,
	content_hash  TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION,
	state         TEXT NOT NULL,
	duplicate_of  TEXT REFERENCES records(id),
	retired       BOOLEAN NOT NULL DEFAULT false,
	manual_fields TEXT[] NOT NULL DEFAULT '{}',
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_external
	ON records(kind, source, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_records_bucket ON records(kind, bucket);
CREATE INDEX IF NOT EXISTS idx_records_state ON records(kind, state);
CREATE INDEX IF NOT EXISTS idx_records_duplicate_of ON records(duplicate_of);
CREATE INDEX IF NOT EXISTS idx_records_geom ON records USING GIST(geom);

CREATE TABLE IF NOT EXISTS record_aliases (
	kind         TEXT NOT NULL,
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	record_id    TEXT NOT NULL REFERENCES records(id),
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_record_aliases_record ON record_aliases(record_id);

CREATE TABLE IF NOT EXISTS decisions (
	id               TEXT PRIMARY KEY,
	subject_id       TEXT NOT NULL,
	action_type      TEXT NOT NULL,
	input_snapshot   JSONB,
	validated_output JSONB,
	is_success       BOOLEAN NOT NULL,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_decisions_subject ON decisions(subject_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	scope       JSONB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	progress    DOUBLE PRECISION NOT NULL DEFAULT 0,
	counters    JSONB NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS candidates (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	payload      JSONB,
	status       TEXT NOT NULL,
	outcome      TEXT NOT NULL DEFAULT '',
	record_id    TEXT,
	error        TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_candidates_run ON candidates(run_id, status);
`

// migrationLockKey serializes concurrent migrators on one database.
const migrationLockKey = 7_210_413

func (s *PostgresStore) Migrate(ctx context.Context) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, postgresMigration)
		return err
	})
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Records ---

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) FindByExternal(ctx context.Context, kind model.Kind, source, externalID string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE kind = $1 AND ((source = $2 AND external_id = $3)
		    OR id = (SELECT record_id FROM record_aliases WHERE kind = $1 AND source = $2 AND external_id = $3))
		 ORDER BY CASE WHEN source = $2 AND external_id = $3 THEN 0 ELSE 1 END
		 LIMIT 1`,
		string(kind), source, externalID,
	)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find %s/%s", source, externalID)
	}
	return r, nil
}

func (s *PostgresStore) GetAlias(ctx context.Context, kind model.Kind, source, externalID string) (*model.Alias, error) {
	var (
		a model.Alias
		k string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT kind, source, external_id, record_id, content_hash, created_at, updated_at
		 FROM record_aliases WHERE kind = $1 AND source = $2 AND external_id = $3`,
		string(kind), source, externalID,
	).Scan(&k, &a.Source, &a.ExternalID, &a.RecordID, &a.ContentHash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get alias %s/%s", source, externalID)
	}
	a.Kind = model.Kind(k)
	return &a, nil
}

// PutAlias inserts the alias or refreshes its content hash. An existing
// alias keeps the record it was first bound to.
func (s *PostgresStore) PutAlias(ctx context.Context, a *model.Alias) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO record_aliases (kind, source, external_id, record_id, content_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, source, external_id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash, updated_at = EXCLUDED.updated_at`,
		string(a.Kind), a.Source, a.ExternalID, a.RecordID, a.ContentHash, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: put alias %s/%s", a.Source, a.ExternalID)
}

func (s *PostgresStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}

	if f.Kind != "" {
		query += ` AND kind = ` + arg(string(f.Kind))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		query += ` AND state = ANY(` + arg(states) + `)`
	}
	if len(f.Buckets) > 0 {
		query += ` AND bucket = ANY(` + arg(f.Buckets) + `)`
	}
	if f.DuplicateOf != "" {
		query += ` AND duplicate_of = ` + arg(f.DuplicateOf)
	}
	if f.ExcludeDuplicates {
		query += ` AND duplicate_of IS NULL`
	}
	if f.OnlyDuplicates {
		query += ` AND duplicate_of IS NOT NULL`
	}
	if f.LastSeenBefore != nil {
		query += ` AND last_seen_at < ` + arg(*f.LastSeenBefore)
	}
	if f.EndsAfter != nil {
		query += ` AND COALESCE(ends_at, starts_at) > ` + arg(*f.EndsAfter)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) InsertRecord(ctx context.Context, r *model.Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.FirstSeenAt.IsZero() {
		r.FirstSeenAt = now
	}
	if r.LastSeenAt.IsZero() {
		r.LastSeenAt = r.FirstSeenAt
	}
	point, err := encodePoint(r.HasGeo, r.Lat, r.Lng)
	if err != nil {
		return err
	}
	manual := r.ManualFields
	if manual == nil {
		manual = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`, geom) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30, ST_GeomFromEWKB($31))`,
		r.ID, string(r.Kind), r.Name, r.NameKey, r.Address, r.Locality, r.Lat, r.Lng, r.HasGeo, r.Bucket,
		r.Category, r.CategoryHint, r.StartsAt, r.EndsAt, r.Description, r.URL, r.Summary, r.LanguageCode,
		r.Source, r.ExternalID, r.ContentHash, r.Confidence, string(r.State), r.DuplicateOf, r.Retired, manual,
		r.FirstSeenAt, r.LastSeenAt, r.CreatedAt, r.UpdatedAt, point,
	)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: insert record %s", r.ID)
	}
	return eris.Wrapf(err, "postgres: insert record %s", r.ID)
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, r *model.Record) error {
	r.UpdatedAt = time.Now().UTC()
	point, err := encodePoint(r.HasGeo, r.Lat, r.Lng)
	if err != nil {
		return err
	}
	manual := r.ManualFields
	if manual == nil {
		manual = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET name = $1, name_key = $2, address = $3, locality = $4, lat = $5, lng = $6,
			has_geo = $7, geom = ST_GeomFromEWKB($8), bucket = $9, category_hint = $10, starts_at = $11,
			ends_at = $12, description = $13, url = $14, content_hash = $15, manual_fields = $16,
			last_seen_at = $17, updated_at = $18
		 WHERE id = $19`,
		r.Name, r.NameKey, r.Address, r.Locality, r.Lat, r.Lng,
		r.HasGeo, point, r.Bucket, r.CategoryHint, r.StartsAt,
		r.EndsAt, r.Description, r.URL, r.ContentHash, manual,
		r.LastSeenAt, r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", r.ID)
	}
	return checkTag(tag, "record", r.ID)
}

func (s *PostgresStore) UpdateClassification(ctx context.Context, id string, c Classification) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET category = $1, confidence = $2, summary = $3, language_code = $4, updated_at = now() WHERE id = $5`,
		c.Category, c.Confidence, c.Summary, c.LanguageCode, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update classification %s", id)
	}
	return checkTag(tag, "record", id)
}

func (s *PostgresStore) TransitionState(ctx context.Context, id string, from, to model.State) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET state = $1, retired = $2, updated_at = now() WHERE id = $3 AND state = $4`,
		string(to), to == model.StateRetired, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRecord(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrStateConflict, "postgres: transition %s from %s", id, from)
	}
	return nil
}

// SetDuplicateOf locks both rows before re-checking the chain guards, so
// two concurrent marks that share a record serialize and the second sees
// the first one's pointer.
func (s *PostgresStore) SetDuplicateOf(ctx context.Context, id, canonicalID string) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT id FROM records WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`,
			id, canonicalID,
		); err != nil {
			return eris.Wrap(err, "lock records")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE records r SET duplicate_of = $1, updated_at = now()
			 WHERE r.id = $2 AND r.duplicate_of IS NULL
			   AND NOT EXISTS (SELECT 1 FROM records d WHERE d.duplicate_of = $2)
			   AND EXISTS (SELECT 1 FROM records c WHERE c.id = $1 AND c.duplicate_of IS NULL AND c.kind = r.kind)`,
			canonicalID, id,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return eris.Wrapf(ErrConflict, "postgres: set duplicate %s -> %s", id, canonicalID)
	}
	return eris.Wrapf(err, "postgres: set duplicate %s -> %s", id, canonicalID)
}

func scanPgRecord(row scannable) (*model.Record, error) {
	var (
		r           model.Record
		kind, state string
	)
	err := row.Scan(
		&r.ID, &kind, &r.Name, &r.NameKey, &r.Address, &r.Locality, &r.Lat, &r.Lng, &r.HasGeo, &r.Bucket,
		&r.Category, &r.CategoryHint, &r.StartsAt, &r.EndsAt, &r.Description, &r.URL, &r.Summary, &r.LanguageCode,
		&r.Source, &r.ExternalID, &r.ContentHash, &r.Confidence, &state, &r.DuplicateOf, &r.Retired, &r.ManualFields,
		&r.FirstSeenAt, &r.LastSeenAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = model.Kind(kind)
	r.State = model.State(state)
	if len(r.ManualFields) == 0 {
		r.ManualFields = nil
	}
	return &r, nil
}

// --- Decisions ---

var decisionColumns = []string{"id", "subject_id", "action_type", "input_snapshot", "validated_output", "is_success", "error_message", "created_at"}

// AppendDecisions writes the batch with COPY.
func (s *PostgresStore) AppendDecisions(ctx context.Context, ds ...model.Decision) error {
	if len(ds) == 0 {
		return nil
	}
	rows := make([][]any, len(ds))
	for i := range ds {
		d := &ds[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{d.ID, d.SubjectID, string(d.ActionType), jsonOrNil(d.InputSnapshot), jsonOrNil(d.ValidatedOutput), d.IsSuccess, d.ErrorMessage, d.CreatedAt}
	}
	_, err := db.CopyRows(ctx, s.pool, "decisions", decisionColumns, rows)
	return eris.Wrap(err, "postgres: append decisions")
}

func jsonOrNil(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func (s *PostgresStore) ListDecisions(ctx context.Context, subjectID string) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subject_id, action_type, input_snapshot, validated_output, is_success, error_message, created_at
		 FROM decisions WHERE subject_id = $1 ORDER BY created_at, id`, subjectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var (
			d             model.Decision
			action        string
			input, output []byte
		)
		if err := rows.Scan(&d.ID, &d.SubjectID, &action, &input, &output, &d.IsSuccess, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		d.ActionType = model.ActionType(action)
		d.InputSnapshot = input
		d.ValidatedOutput = output
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

// --- Candidates ---

var candidateCopyColumns = []string{
	"id", "run_id", "kind", "source", "external_id", "content_hash", "payload",
	"status", "outcome", "record_id", "error", "fetched_at", "created_at",
}

// AppendCandidates writes the batch with COPY.
func (s *PostgresStore) AppendCandidates(ctx context.Context, cs ...model.CandidateEntry) error {
	if len(cs) == 0 {
		return nil
	}
	rows := make([][]any, len(cs))
	for i := range cs {
		c := &cs[i]
		stampCandidate(c)
		rows[i] = []any{
			c.ID, c.RunID, string(c.Kind), c.Source, c.ExternalID, c.ContentHash, jsonOrNil(c.Payload),
			string(c.Status), c.Outcome, nullString(c.RecordID), c.Error, c.FetchedAt, c.CreatedAt,
		}
	}
	_, err := db.CopyRows(ctx, s.pool, "candidates", candidateCopyColumns, rows)
	return eris.Wrap(err, "postgres: append candidates")
}

func (s *PostgresStore) ListCandidates(ctx context.Context, f CandidateFilter) ([]model.CandidateEntry, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}
	if f.RunID != "" {
		query += ` AND run_id = ` + arg(f.RunID)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	query += ` ORDER BY created_at, id LIMIT ` + arg(runLimit(f.Limit))
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.CandidateEntry
	for rows.Next() {
		var (
			c            model.CandidateEntry
			kind, status string
			payload      []byte
			recordID     *string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &kind, &c.Source, &c.ExternalID, &c.ContentHash, &payload,
			&status, &c.Outcome, &recordID, &c.Error, &c.FetchedAt, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		c.Kind = model.Kind(kind)
		c.Status = model.CandidateStatus(status)
		c.Payload = payload
		if recordID != nil {
			c.RecordID = *recordID
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}
	if run.Counters == nil {
		run.Counters = model.Counters{}
	}
	run.CreatedAt = time.Now().UTC()

	scopeJSON, err := marshalScope(run.Scope)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, stage, scope, status, progress, counters, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Stage), scopeJSON, string(run.Status), run.Progress, encodeCounters(run.Counters), run.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) StartRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = now() WHERE id = $2 AND status = $3`,
		string(model.RunStatusRunning), id, string(model.RunStatusQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start run %s", id)
	}
	return checkTag(tag, "queued run", id)
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, id string, progress float64, counters model.Counters) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET progress = $1, counters = $2 WHERE id = $3`,
		progress, encodeCounters(counters), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run progress %s", id)
	}
	return checkTag(tag, "run", id)
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, status model.RunStatus, counters model.Counters, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, counters = $2, error = $3,
			progress = CASE WHEN $4 THEN 100 ELSE progress END, finished_at = now()
		 WHERE id = $5`,
		string(status), encodeCounters(counters), errMsg, status == model.RunStatusFinished, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", id)
	}
	return checkTag(tag, "run", id)
}

const runColumns = `id, stage, scope, status, progress, counters, error, created_at, started_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Status != "" {
		query += ` AND status = $` + itoa(argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Stage != "" {
		query += ` AND stage = $` + itoa(argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id LIMIT $` + itoa(argIdx)
	args = append(args, runLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += ` OFFSET $` + itoa(argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row scannable) (*model.Run, error) {
	var (
		r                   model.Run
		stage, status       string
		scopeJSON, counters []byte
	)
	if err := row.Scan(&r.ID, &stage, &scopeJSON, &status, &r.Progress, &counters, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Status = model.RunStatus(status)
	r.Counters = decodeCounters(string(counters))
	if err := unmarshalScope(string(scopeJSON), &r.Scope); err != nil {
		return nil, err
	}
	return &r, nil
}

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return isUniqueViolation(err)
}
