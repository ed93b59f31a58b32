package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/radar-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	name_key      TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL DEFAULT '',
	locality      TEXT NOT NULL DEFAULT '',
	lat           REAL NOT NULL DEFAULT 0,
	lng           REAL NOT NULL DEFAULT 0,
	has_geo       INTEGER NOT NULL DEFAULT 0,
	bucket        TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	category_hint TEXT NOT NULL DEFAULT '',
	starts_at     TEXT,
	ends_at       TEXT,
	description   TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	language_code TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	external_id   TEXT,
	content_hash  TEXT NOT NULL DEFAULT '',
	confidence    REAL,
	state         TEXT NOT NULL,
	duplicate_of  TEXT REFERENCES records(id),
	retired       INTEGER NOT NULL DEFAULT 0,
	manual_fields TEXT NOT NULL DEFAULT '[]',
	first_seen_at TEXT NOT NULL,
	last_seen_at  TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_external
	ON records(kind, source, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_records_bucket ON records(kind, bucket);
CREATE INDEX IF NOT EXISTS idx_records_state ON records(kind, state);
CREATE INDEX IF NOT EXISTS idx_records_duplicate_of ON records(duplicate_of);

CREATE TABLE IF NOT EXISTS record_aliases (
	kind         TEXT NOT NULL,
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	record_id    TEXT NOT NULL REFERENCES records(id),
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (kind, source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_record_aliases_record ON record_aliases(record_id);

CREATE TABLE IF NOT EXISTS decisions (
	id               TEXT PRIMARY KEY,
	subject_id       TEXT NOT NULL,
	action_type      TEXT NOT NULL,
	input_snapshot   TEXT,
	validated_output TEXT,
	is_success       INTEGER NOT NULL,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_subject ON decisions(subject_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	scope       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	progress    REAL NOT NULL DEFAULT 0,
	counters    TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS candidates (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	payload      TEXT,
	status       TEXT NOT NULL,
	outcome      TEXT NOT NULL DEFAULT '',
	record_id    TEXT,
	error        TEXT NOT NULL DEFAULT '',
	fetched_at   TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidates_run ON candidates(run_id, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Records ---

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) FindByExternal(ctx context.Context, kind model.Kind, source, externalID string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE kind = ? AND ((source = ? AND external_id = ?)
		    OR id = (SELECT record_id FROM record_aliases WHERE kind = ? AND source = ? AND external_id = ?))
		 ORDER BY CASE WHEN source = ? AND external_id = ? THEN 0 ELSE 1 END
		 LIMIT 1`,
		string(kind), source, externalID, string(kind), source, externalID, source, externalID,
	)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find %s/%s", source, externalID)
	}
	return r, nil
}

func (s *SQLiteStore) GetAlias(ctx context.Context, kind model.Kind, source, externalID string) (*model.Alias, error) {
	var (
		a               model.Alias
		k, created, upd string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, source, external_id, record_id, content_hash, created_at, updated_at
		 FROM record_aliases WHERE kind = ? AND source = ? AND external_id = ?`,
		string(kind), source, externalID,
	).Scan(&k, &a.Source, &a.ExternalID, &a.RecordID, &a.ContentHash, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get alias %s/%s", source, externalID)
	}
	a.Kind = model.Kind(k)
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutAlias inserts the alias or refreshes its content hash. An existing
// alias keeps the record it was first bound to.
func (s *SQLiteStore) PutAlias(ctx context.Context, a *model.Alias) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_aliases (kind, source, external_id, record_id, content_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (kind, source, external_id) DO UPDATE SET
			content_hash = excluded.content_hash, updated_at = excluded.updated_at`,
		string(a.Kind), a.Source, a.ExternalID, a.RecordID, a.ContentHash, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: put alias %s/%s", a.Source, a.ExternalID)
}

func (s *SQLiteStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any

	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if len(f.States) > 0 {
		query += ` AND state IN (` + placeholders(len(f.States)) + `)`
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if len(f.Buckets) > 0 {
		query += ` AND bucket IN (` + placeholders(len(f.Buckets)) + `)`
		for _, b := range f.Buckets {
			args = append(args, b)
		}
	}
	if f.DuplicateOf != "" {
		query += ` AND duplicate_of = ?`
		args = append(args, f.DuplicateOf)
	}
	if f.ExcludeDuplicates {
		query += ` AND duplicate_of IS NULL`
	}
	if f.OnlyDuplicates {
		query += ` AND duplicate_of IS NOT NULL`
	}
	if f.LastSeenBefore != nil {
		query += ` AND last_seen_at < ?`
		args = append(args, fmtTime(*f.LastSeenBefore))
	}
	if f.EndsAfter != nil {
		query += ` AND COALESCE(ends_at, starts_at) > ?`
		args = append(args, fmtTime(*f.EndsAfter))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, r *model.Record) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (`+placeholders(30)+`)`,
		r.ID, string(r.Kind), r.Name, r.NameKey, r.Address, r.Locality, r.Lat, r.Lng, r.HasGeo, r.Bucket,
		r.Category, r.CategoryHint, fmtTimePtr(r.StartsAt), fmtTimePtr(r.EndsAt), r.Description, r.URL,
		r.Summary, r.LanguageCode, r.Source, r.ExternalID, r.ContentHash, r.Confidence, string(r.State),
		r.DuplicateOf, r.Retired, encodeManual(r.ManualFields),
		fmtTime(r.FirstSeenAt), fmtTime(r.LastSeenAt), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "sqlite: insert record %s", r.ID)
	}
	return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, r *model.Record) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET name = ?, name_key = ?, address = ?, locality = ?, lat = ?, lng = ?, has_geo = ?,
			bucket = ?, category_hint = ?, starts_at = ?, ends_at = ?, description = ?, url = ?,
			content_hash = ?, manual_fields = ?, last_seen_at = ?, updated_at = ?
		 WHERE id = ?`,
		r.Name, r.NameKey, r.Address, r.Locality, r.Lat, r.Lng, r.HasGeo,
		r.Bucket, r.CategoryHint, fmtTimePtr(r.StartsAt), fmtTimePtr(r.EndsAt), r.Description, r.URL,
		r.ContentHash, encodeManual(r.ManualFields), fmtTime(r.LastSeenAt), fmtTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", r.ID)
	}
	return checkRowsAffected(res, "record", r.ID)
}

func (s *SQLiteStore) UpdateClassification(ctx context.Context, id string, c Classification) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET category = ?, confidence = ?, summary = ?, language_code = ?, updated_at = ? WHERE id = ?`,
		c.Category, c.Confidence, c.Summary, c.LanguageCode, fmtTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update classification %s", id)
	}
	return checkRowsAffected(res, "record", id)
}

func (s *SQLiteStore) TransitionState(ctx context.Context, id string, from, to model.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET state = ?, retired = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), to == model.StateRetired, fmtTime(time.Now()), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetRecord(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrStateConflict, "sqlite: transition %s from %s", id, from)
	}
	return nil
}

func (s *SQLiteStore) SetDuplicateOf(ctx context.Context, id, canonicalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET duplicate_of = ?, updated_at = ?
		 WHERE id = ? AND duplicate_of IS NULL
		   AND NOT EXISTS (SELECT 1 FROM records d WHERE d.duplicate_of = ?)
		   AND EXISTS (SELECT 1 FROM records c WHERE c.id = ? AND c.duplicate_of IS NULL AND c.kind = records.kind)`,
		canonicalID, fmtTime(time.Now()), id, id, canonicalID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set duplicate %s -> %s", id, canonicalID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: set duplicate %s -> %s", id, canonicalID)
	}
	return nil
}

func scanSQLiteRecord(row scannable) (*model.Record, error) {
	var (
		r                               model.Record
		kind, state, manual             string
		startsAt, endsAt                *string
		firstSeen, lastSeen, created, u string
	)
	err := row.Scan(
		&r.ID, &kind, &r.Name, &r.NameKey, &r.Address, &r.Locality, &r.Lat, &r.Lng, &r.HasGeo, &r.Bucket,
		&r.Category, &r.CategoryHint, &startsAt, &endsAt, &r.Description, &r.URL, &r.Summary, &r.LanguageCode,
		&r.Source, &r.ExternalID, &r.ContentHash, &r.Confidence, &state, &r.DuplicateOf, &r.Retired, &manual,
		&firstSeen, &lastSeen, &created, &u,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = model.Kind(kind)
	r.State = model.State(state)
	r.ManualFields = decodeManual(manual)

	if r.StartsAt, err = parseTimePtr(startsAt); err != nil {
		return nil, err
	}
	if r.EndsAt, err = parseTimePtr(endsAt); err != nil {
		return nil, err
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&r.FirstSeenAt, firstSeen}, {&r.LastSeenAt, lastSeen}, {&r.CreatedAt, created}, {&r.UpdatedAt, u}} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// --- Decisions ---

func (s *SQLiteStore) AppendDecisions(ctx context.Context, ds ...model.Decision) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin decisions")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO decisions (id, subject_id, action_type, input_snapshot, validated_output, is_success, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare decision insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range ds {
		d := &ds[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID, d.SubjectID, string(d.ActionType), nullBytes(d.InputSnapshot), nullBytes(d.ValidatedOutput),
			d.IsSuccess, d.ErrorMessage, fmtTime(d.CreatedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert decision for %s", d.SubjectID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit decisions")
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, subjectID string) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, action_type, input_snapshot, validated_output, is_success, error_message, created_at
		 FROM decisions WHERE subject_id = ? ORDER BY created_at, rowid`, subjectID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Decision
	for rows.Next() {
		var (
			d              model.Decision
			action, ts     string
			input, outputs *string
		)
		if err := rows.Scan(&d.ID, &d.SubjectID, &action, &input, &outputs, &d.IsSuccess, &d.ErrorMessage, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		d.ActionType = model.ActionType(action)
		if input != nil {
			d.InputSnapshot = []byte(*input)
		}
		if outputs != nil {
			d.ValidatedOutput = []byte(*outputs)
		}
		if d.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// --- Candidates ---

func (s *SQLiteStore) AppendCandidates(ctx context.Context, cs ...model.CandidateEntry) error {
	if len(cs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin candidates")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO candidates (`+candidateColumns+`) VALUES (`+placeholders(13)+`)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare candidate insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range cs {
		c := &cs[i]
		stampCandidate(c)
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.RunID, string(c.Kind), c.Source, c.ExternalID, c.ContentHash, nullBytes(c.Payload),
			string(c.Status), c.Outcome, nullString(c.RecordID), c.Error, fmtTime(c.FetchedAt), fmtTime(c.CreatedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert candidate %s/%s", c.Source, c.ExternalID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit candidates")
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, f CandidateFilter) ([]model.CandidateEntry, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE 1=1`
	var args []any
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at, rowid LIMIT ?`
	args = append(args, runLimit(f.Limit))
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CandidateEntry
	for rows.Next() {
		var (
			c                 model.CandidateEntry
			kind, status      string
			payload, recordID *string
			fetched, created  string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &kind, &c.Source, &c.ExternalID, &c.ContentHash, &payload,
			&status, &c.Outcome, &recordID, &c.Error, &fetched, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		c.Kind = model.Kind(kind)
		c.Status = model.CandidateStatus(status)
		if payload != nil {
			c.Payload = []byte(*payload)
		}
		if recordID != nil {
			c.RecordID = *recordID
		}
		if c.FetchedAt, err = parseTime(fetched); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, stage, scope, status, progress, counters, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Stage), scopeJSON, string(run.Status), run.Progress, encodeCounters(run.Counters), fmtTime(run.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) StartRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusRunning), fmtTime(time.Now()), id, string(model.RunStatusQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start run %s", id)
	}
	return checkRowsAffected(res, "queued run", id)
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, id string, progress float64, counters model.Counters) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress = ?, counters = ? WHERE id = ?`,
		progress, encodeCounters(counters), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run progress %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status model.RunStatus, counters model.Counters, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, counters = ?, error = ?, progress = CASE WHEN ? THEN 100 ELSE progress END, finished_at = ?
		 WHERE id = ?`,
		string(status), encodeCounters(counters), errMsg, status == model.RunStatusFinished, fmtTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, stage, scope, status, progress, counters, error, created_at, started_at, finished_at FROM runs WHERE id = ?`, id)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, stage, scope, status, progress, counters, error, created_at, started_at, finished_at FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, runLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var (
		r                          model.Run
		stage, scope, status, ctrs string
		created                    string
		started, finished          *string
	)
	if err := row.Scan(&r.ID, &stage, &scope, &status, &r.Progress, &ctrs, &r.Error, &created, &started, &finished); err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Status = model.RunStatus(status)
	r.Counters = decodeCounters(ctrs)
	if err := unmarshalScope(scope, &r.Scope); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, err
	}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
