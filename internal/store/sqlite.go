package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/benchtrack/benchtrack/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serializes all
// access through one connection, which also keeps ":memory:" databases
// alive for the life of the store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as unix nanoseconds so ordering and range filters
// are plain integer comparisons.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS run (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	test_id     INTEGER NOT NULL,
	start       INTEGER NOT NULL,
	stop        INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL,
	metadata    TEXT,
	trashed     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_run_start ON run(start, id);
CREATE INDEX IF NOT EXISTS idx_run_test ON run(test_id);

CREATE TABLE IF NOT EXISTS dataset (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      INTEGER NOT NULL REFERENCES run(id),
	test_id     INTEGER NOT NULL,
	ordinal     INTEGER NOT NULL,
	start       INTEGER NOT NULL,
	stop        INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL,
	UNIQUE (run_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_dataset_test_start ON dataset(test_id, start);

CREATE TABLE IF NOT EXISTS fingerprint (
	dataset_id INTEGER PRIMARY KEY REFERENCES dataset(id),
	test_id    INTEGER NOT NULL,
	value      TEXT,
	key        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fingerprint_key ON fingerprint(test_id, key);

CREATE TABLE IF NOT EXISTS datapoint (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	variable_id INTEGER NOT NULL,
	dataset_id  INTEGER NOT NULL REFERENCES dataset(id),
	timestamp   INTEGER NOT NULL,
	value       REAL NOT NULL,
	UNIQUE (variable_id, dataset_id)
);

CREATE INDEX IF NOT EXISTS idx_datapoint_dataset ON datapoint(dataset_id);

CREATE TABLE IF NOT EXISTS change (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	variable_id  INTEGER NOT NULL,
	dataset_id   INTEGER NOT NULL REFERENCES dataset(id),
	datapoint_id INTEGER NOT NULL REFERENCES datapoint(id),
	timestamp    INTEGER NOT NULL,
	confirmed    INTEGER NOT NULL DEFAULT 0,
	description  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_variable ON change(variable_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_change_datapoint ON change(datapoint_id);

CREATE TABLE IF NOT EXISTS log_entry (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source     TEXT NOT NULL,
	test_id    INTEGER NOT NULL,
	run_id     INTEGER NOT NULL DEFAULT 0,
	dataset_id INTEGER NOT NULL DEFAULT 0,
	level      INTEGER NOT NULL,
	message    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_entry_run ON log_entry(source, run_id);
CREATE INDEX IF NOT EXISTS idx_log_entry_dataset ON log_entry(source, dataset_id);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx implements Store.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	stx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer func() { _ = stx.Rollback() }()

	tx := &sqliteTx{q: stx}
	if err := fn(tx); err != nil {
		tx.done = true
		return err
	}
	tx.done = true
	if err := stx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit")
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

const sqliteScanRuns = `SELECT id, test_id, start FROM run
WHERE (?1 = 0 OR test_id = ?1)
  AND (?2 IS NULL OR start >= ?2)
  AND (?3 IS NULL OR start <= ?3)
  AND (?4 IS NULL OR trashed = ?4)
  AND (?5 IS NULL OR start > ?5 OR (start = ?5 AND id > ?6))
ORDER BY start, id
LIMIT ?7`

// ScanRuns implements Store. Each page is read and closed before fn runs so
// fn may open its own units on the single connection.
func (s *SQLiteStore) ScanRuns(ctx context.Context, filter RunFilter, fn func(RunRef) error) error {
	batch := filter.BatchSize
	if batch <= 0 {
		batch = 100
	}
	var afterStart *int64
	var afterID int64
	for {
		page, err := s.runPage(ctx, filter, afterStart, afterID, batch)
		if err != nil {
			return err
		}
		for _, ref := range page {
			if err := fn(ref); err != nil {
				return err
			}
		}
		if len(page) < batch {
			return nil
		}
		last := page[len(page)-1]
		ns := last.Start.UnixNano()
		afterStart, afterID = &ns, last.ID
	}
}

func (s *SQLiteStore) runPage(ctx context.Context, filter RunFilter, afterStart *int64, afterID int64, limit int) ([]RunRef, error) {
	var trashed any
	if filter.Trashed != nil {
		trashed = *filter.Trashed
	}
	rows, err := s.db.QueryContext(ctx, sqliteScanRuns,
		filter.TestID, nanosPtr(filter.From), nanosPtr(filter.To), trashed, int64Ptr(afterStart), afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan runs")
	}
	defer rows.Close() //nolint:errcheck

	var page []RunRef
	for rows.Next() {
		var ref RunRef
		var start int64
		if err := rows.Scan(&ref.ID, &ref.TestID, &start); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run ref")
		}
		ref.Start = fromNanos(start)
		page = append(page, ref)
	}
	return page, eris.Wrap(rows.Err(), "sqlite: scan runs")
}

// Logs implements Store.
func (s *SQLiteStore) Logs(ctx context.Context, source model.LogSource, testID, runID int64) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, test_id, run_id, dataset_id, level, message, timestamp FROM log_entry
		WHERE source = ?1 AND (?2 = 0 OR test_id = ?2) AND (?3 = 0 OR run_id = ?3)
		ORDER BY id`,
		string(source), testID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list logs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var src string
		var level int
		var ts int64
		if err := rows.Scan(&e.ID, &src, &e.TestID, &e.RunID, &e.DatasetID, &level, &e.Message, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		e.Source = model.LogSource(src)
		e.Level = model.LogLevel(level)
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list logs")
}

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func int64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// sqliteQuerier is the subset of *sql.Tx the unit needs.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTx implements Tx on top of a database/sql transaction.
type sqliteTx struct {
	q     sqliteQuerier
	hooks []func()
	done  bool
}

func (tx *sqliteTx) AfterCommit(fn func()) { tx.hooks = append(tx.hooks, fn) }

func (tx *sqliteTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func sqliteNotFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %d", what, id)
	}
	return eris.Wrapf(err, "sqlite: get %s %d", what, id)
}

func affectedOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %d", what, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %d", what, id)
	}
	return nil
}

// inList renders "(?,?,...)" for ids and returns them as driver args.
func inList(ids []int64) (string, []any) {
	var b strings.Builder
	args := make([]any, len(ids))
	b.WriteByte('(')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		args[i] = id
	}
	b.WriteByte(')')
	return b.String(), args
}

// sqliteChunk keeps IN lists under the host parameter limit.
const sqliteChunk = 500

func chunks(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > sqliteChunk {
		out = append(out, ids[:sqliteChunk])
		ids = ids[sqliteChunk:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func docText(v any) (any, error) {
	b, err := marshalDoc(v)
	if err != nil || b == nil {
		return nil, err
	}
	return string(b), nil
}

func textDoc(s sql.NullString) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	return unmarshalDoc([]byte(s.String))
}

// Runs

func (tx *sqliteTx) InsertRun(ctx context.Context, run *model.Run) error {
	if err := tx.check(); err != nil {
		return err
	}
	data, err := docText(run.Data)
	if err != nil {
		return err
	}
	if data == nil {
		data = "null"
	}
	meta, err := docText(run.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO run (test_id, start, stop, description, data, metadata, trashed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.TestID, run.Start.UnixNano(), run.Stop.UnixNano(), run.Description, data, meta, run.Trashed,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run")
	}
	run.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: insert run id")
}

func (tx *sqliteTx) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var r model.Run
	var start, stop int64
	var data, meta sql.NullString
	err := tx.q.QueryRowContext(ctx,
		`SELECT id, test_id, start, stop, description, data, metadata, trashed FROM run WHERE id = ?`, id,
	).Scan(&r.ID, &r.TestID, &start, &stop, &r.Description, &data, &meta, &r.Trashed)
	if err != nil {
		return nil, sqliteNotFound(err, "run", id)
	}
	r.Start, r.Stop = fromNanos(start), fromNanos(stop)
	if r.Data, err = textDoc(data); err != nil {
		return nil, err
	}
	if r.Metadata, err = textDoc(meta); err != nil {
		return nil, err
	}
	return &r, nil
}

func (tx *sqliteTx) SetRunTrashed(ctx context.Context, id int64, trashed bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx, `UPDATE run SET trashed = ? WHERE id = ?`, trashed, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: trash run %d", id)
	}
	return affectedOne(res, "run", id)
}

func (tx *sqliteTx) DeleteRun(ctx context.Context, id int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx, `DELETE FROM run WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete run %d", id)
	}
	return affectedOne(res, "run", id)
}

// Datasets

func (tx *sqliteTx) InsertDataset(ctx context.Context, ds *model.Dataset) error {
	if err := tx.check(); err != nil {
		return err
	}
	data, err := json.Marshal(ds.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dataset")
	}
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO dataset (run_id, test_id, ordinal, start, stop, description, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ds.RunID, ds.TestID, ds.Ordinal, ds.Start.UnixNano(), ds.Stop.UnixNano(), ds.Description, string(data),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert dataset %d/%d", ds.RunID, ds.Ordinal)
	}
	ds.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: insert dataset id")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDataset(row rowScanner) (model.Dataset, error) {
	var ds model.Dataset
	var start, stop int64
	var data string
	if err := row.Scan(&ds.ID, &ds.RunID, &ds.TestID, &ds.Ordinal, &start, &stop, &ds.Description, &data); err != nil {
		return ds, err
	}
	ds.Start, ds.Stop = fromNanos(start), fromNanos(stop)
	if data != "" {
		if err := json.Unmarshal([]byte(data), &ds.Data); err != nil {
			return ds, eris.Wrap(err, "sqlite: unmarshal dataset")
		}
	}
	if ds.Data == nil {
		ds.Data = []any{}
	}
	return ds, nil
}

func (tx *sqliteTx) queryDatasets(ctx context.Context, query string, args ...any) ([]model.Dataset, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list datasets")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Dataset
	for rows.Next() {
		ds, err := scanSQLiteDataset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dataset")
		}
		out = append(out, ds)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list datasets")
}

func (tx *sqliteTx) GetDataset(ctx context.Context, id int64) (*model.Dataset, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	ds, err := scanSQLiteDataset(tx.q.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM dataset WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "dataset", id)
	}
	return &ds, nil
}

func (tx *sqliteTx) DatasetsByRun(ctx context.Context, runID int64) ([]model.Dataset, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryDatasets(ctx,
		`SELECT `+datasetColumns+` FROM dataset WHERE run_id = ? ORDER BY ordinal`, runID)
}

func (tx *sqliteTx) DatasetsByTest(ctx context.Context, testID int64, from, to *time.Time) ([]model.Dataset, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryDatasets(ctx,
		`SELECT `+datasetColumns+` FROM dataset
		WHERE test_id = ?1 AND (?2 IS NULL OR start >= ?2) AND (?3 IS NULL OR start <= ?3)
		ORDER BY start, id`,
		testID, nanosPtr(from), nanosPtr(to))
}

func (tx *sqliteTx) deleteByIDs(ctx context.Context, table, column string, ids []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, chunk := range chunks(ids) {
		list, args := inList(chunk)
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+` IN `+list, args...); err != nil {
			return eris.Wrapf(err, "sqlite: delete from %s", table)
		}
	}
	return nil
}

func (tx *sqliteTx) DeleteDatasets(ctx context.Context, ids []int64) error {
	return tx.deleteByIDs(ctx, "dataset", "id", ids)
}

// Fingerprints

func (tx *sqliteTx) UpsertFingerprints(ctx context.Context, fps []*model.Fingerprint) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, fp := range fps {
		var value any
		if fp.Value != nil {
			b, err := json.Marshal(fp.Value)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal fingerprint")
			}
			value = string(b)
		}
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO fingerprint (dataset_id, test_id, value, key) VALUES (?, ?, ?, ?)
			ON CONFLICT (dataset_id) DO UPDATE SET test_id = excluded.test_id, value = excluded.value, key = excluded.key`,
			fp.DatasetID, fp.TestID, value, fp.Key)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert fingerprint %d", fp.DatasetID)
		}
	}
	return nil
}

func (tx *sqliteTx) GetFingerprint(ctx context.Context, datasetID int64) (*model.Fingerprint, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var fp model.Fingerprint
	var value sql.NullString
	err := tx.q.QueryRowContext(ctx,
		`SELECT dataset_id, test_id, value, key FROM fingerprint WHERE dataset_id = ?`, datasetID,
	).Scan(&fp.DatasetID, &fp.TestID, &value, &fp.Key)
	if err != nil {
		return nil, sqliteNotFound(err, "fingerprint", datasetID)
	}
	if value.Valid {
		if err := json.Unmarshal([]byte(value.String), &fp.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal fingerprint")
		}
	}
	return &fp, nil
}

func (tx *sqliteTx) DeleteFingerprints(ctx context.Context, datasetIDs []int64) error {
	return tx.deleteByIDs(ctx, "fingerprint", "dataset_id", datasetIDs)
}

// Data points

func (tx *sqliteTx) InsertDataPoints(ctx context.Context, dps []*model.DataPoint) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, dp := range dps {
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO datapoint (variable_id, dataset_id, timestamp, value) VALUES (?, ?, ?, ?)`,
			dp.VariableID, dp.DatasetID, dp.Timestamp.UnixNano(), dp.Value)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert datapoint %d/%d", dp.VariableID, dp.DatasetID)
		}
		if dp.ID, err = res.LastInsertId(); err != nil {
			return eris.Wrap(err, "sqlite: insert datapoint id")
		}
	}
	return nil
}

func (tx *sqliteTx) queryDataPoints(ctx context.Context, query string, args ...any) ([]model.DataPoint, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list datapoints")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DataPoint
	for rows.Next() {
		var dp model.DataPoint
		var ts int64
		if err := rows.Scan(&dp.ID, &dp.VariableID, &dp.DatasetID, &ts, &dp.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan datapoint")
		}
		dp.Timestamp = fromNanos(ts)
		out = append(out, dp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list datapoints")
}

func (tx *sqliteTx) DataPointsBySeries(ctx context.Context, variableID int64, fingerprint string) ([]model.DataPoint, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryDataPoints(ctx,
		`SELECT dp.id, dp.variable_id, dp.dataset_id, dp.timestamp, dp.value FROM datapoint dp
		LEFT JOIN fingerprint fp ON fp.dataset_id = dp.dataset_id
		WHERE dp.variable_id = ? AND COALESCE(fp.key, '') = ?
		ORDER BY dp.timestamp, dp.dataset_id`,
		variableID, fingerprint)
}

func (tx *sqliteTx) DataPointsByDatasets(ctx context.Context, datasetIDs []int64) ([]model.DataPoint, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var out []model.DataPoint
	for _, chunk := range chunks(datasetIDs) {
		list, args := inList(chunk)
		dps, err := tx.queryDataPoints(ctx,
			`SELECT id, variable_id, dataset_id, timestamp, value FROM datapoint WHERE dataset_id IN `+list+` ORDER BY id`,
			args...)
		if err != nil {
			return nil, err
		}
		out = append(out, dps...)
	}
	return out, nil
}

func (tx *sqliteTx) DeleteDataPoints(ctx context.Context, ids []int64) error {
	return tx.deleteByIDs(ctx, "datapoint", "id", ids)
}

// Changes

func (tx *sqliteTx) InsertChange(ctx context.Context, c *model.Change) error {
	if err := tx.check(); err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO change (variable_id, dataset_id, datapoint_id, timestamp, confirmed, description) VALUES (?, ?, ?, ?, ?, ?)`,
		c.VariableID, c.DatasetID, c.DataPointID, c.Timestamp.UnixNano(), c.Confirmed, c.Description)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert change")
	}
	c.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: insert change id")
}

func scanSQLiteChange(row rowScanner) (model.Change, error) {
	var c model.Change
	var ts int64
	err := row.Scan(&c.ID, &c.VariableID, &c.DatasetID, &c.DataPointID, &ts, &c.Confirmed, &c.Description)
	c.Timestamp = fromNanos(ts)
	return c, err
}

func (tx *sqliteTx) queryChanges(ctx context.Context, query string, args ...any) ([]model.Change, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list changes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Change
	for rows.Next() {
		c, err := scanSQLiteChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list changes")
}

func (tx *sqliteTx) GetChange(ctx context.Context, id int64) (*model.Change, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	c, err := scanSQLiteChange(tx.q.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM change c WHERE c.id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "change", id)
	}
	return &c, nil
}

func (tx *sqliteTx) ChangesBySeries(ctx context.Context, variableID int64, fingerprint string) ([]model.Change, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM change c
		LEFT JOIN fingerprint fp ON fp.dataset_id = c.dataset_id
		WHERE c.variable_id = ? AND COALESCE(fp.key, '') = ?
		ORDER BY c.timestamp, c.dataset_id`,
		variableID, fingerprint)
}

func (tx *sqliteTx) ChangesByDataPoints(ctx context.Context, dataPointIDs []int64) ([]model.Change, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var out []model.Change
	for _, chunk := range chunks(dataPointIDs) {
		list, args := inList(chunk)
		cs, err := tx.queryChanges(ctx,
			`SELECT `+changeColumns+` FROM change c WHERE c.datapoint_id IN `+list, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	sortChanges(out)
	return out, nil
}

func (tx *sqliteTx) UpdateChange(ctx context.Context, c *model.Change) error {
	if err := tx.check(); err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx,
		`UPDATE change SET confirmed = ?, description = ? WHERE id = ?`, c.Confirmed, c.Description, c.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update change %d", c.ID)
	}
	return affectedOne(res, "change", c.ID)
}

func (tx *sqliteTx) DeleteChanges(ctx context.Context, ids []int64) error {
	return tx.deleteByIDs(ctx, "change", "id", ids)
}

// Logs

func (tx *sqliteTx) AppendLogs(ctx context.Context, entries []model.LogEntry) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO log_entry (source, test_id, run_id, dataset_id, level, message, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(e.Source), e.TestID, e.RunID, e.DatasetID, int(e.Level), e.Message, ts.UnixNano())
		if err != nil {
			return eris.Wrap(err, "sqlite: append logs")
		}
	}
	return nil
}

func (tx *sqliteTx) DeleteLogs(ctx context.Context, source model.LogSource, runID int64, datasetIDs []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if runID != 0 {
		if _, err := tx.q.ExecContext(ctx,
			`DELETE FROM log_entry WHERE source = ? AND run_id = ? AND dataset_id = 0`,
			string(source), runID); err != nil {
			return eris.Wrapf(err, "sqlite: delete %s logs of run %d", source, runID)
		}
	}
	for _, chunk := range chunks(datasetIDs) {
		list, args := inList(chunk)
		if _, err := tx.q.ExecContext(ctx,
			`DELETE FROM log_entry WHERE source = ? AND dataset_id IN `+list,
			append([]any{string(source)}, args...)...); err != nil {
			return eris.Wrapf(err, "sqlite: delete %s logs of run %d", source, runID)
		}
	}
	return nil
}
