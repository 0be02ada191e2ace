package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/benchtrack/benchtrack/internal/db"
	"github.com/benchtrack/benchtrack/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Derived tables carry plain foreign keys without cascades: teardown order
// is the caller's job and a wrong order fails loudly.
const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS bench;

CREATE TABLE IF NOT EXISTS bench.run (
	id          BIGSERIAL PRIMARY KEY,
	test_id     BIGINT NOT NULL,
	start       TIMESTAMPTZ NOT NULL,
	stop        TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL,
	metadata    JSONB,
	trashed     BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_run_start ON bench.run(start, id);
CREATE INDEX IF NOT EXISTS idx_run_test ON bench.run(test_id);

CREATE TABLE IF NOT EXISTS bench.dataset (
	id          BIGSERIAL PRIMARY KEY,
	run_id      BIGINT NOT NULL REFERENCES bench.run(id),
	test_id     BIGINT NOT NULL,
	ordinal     INTEGER NOT NULL,
	start       TIMESTAMPTZ NOT NULL,
	stop        TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL,
	UNIQUE (run_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_dataset_test_start ON bench.dataset(test_id, start);

CREATE TABLE IF NOT EXISTS bench.fingerprint (
	dataset_id BIGINT PRIMARY KEY REFERENCES bench.dataset(id),
	test_id    BIGINT NOT NULL,
	value      JSONB,
	key        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fingerprint_key ON bench.fingerprint(test_id, key);

CREATE TABLE IF NOT EXISTS bench.datapoint (
	id          BIGSERIAL PRIMARY KEY,
	variable_id BIGINT NOT NULL,
	dataset_id  BIGINT NOT NULL REFERENCES bench.dataset(id),
	timestamp   TIMESTAMPTZ NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	UNIQUE (variable_id, dataset_id)
);

CREATE INDEX IF NOT EXISTS idx_datapoint_dataset ON bench.datapoint(dataset_id);

CREATE TABLE IF NOT EXISTS bench.change (
	id           BIGSERIAL PRIMARY KEY,
	variable_id  BIGINT NOT NULL,
	dataset_id   BIGINT NOT NULL REFERENCES bench.dataset(id),
	datapoint_id BIGINT NOT NULL REFERENCES bench.datapoint(id),
	timestamp    TIMESTAMPTZ NOT NULL,
	confirmed    BOOLEAN NOT NULL DEFAULT false,
	description  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_variable ON bench.change(variable_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_change_datapoint ON bench.change(datapoint_id);

CREATE TABLE IF NOT EXISTS bench.log_entry (
	id         BIGSERIAL PRIMARY KEY,
	source     TEXT NOT NULL,
	test_id    BIGINT NOT NULL,
	run_id     BIGINT NOT NULL DEFAULT 0,
	dataset_id BIGINT NOT NULL DEFAULT 0,
	level      SMALLINT NOT NULL,
	message    TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_log_entry_run ON bench.log_entry(source, run_id);
CREATE INDEX IF NOT EXISTS idx_log_entry_dataset ON bench.log_entry(source, dataset_id);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx implements Store. Hooks registered on the unit run after COMMIT
// succeeds.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	ptx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer func() { _ = ptx.Rollback(ctx) }()

	tx := &pgTx{q: ptx}
	if err := fn(tx); err != nil {
		tx.done = true
		return err
	}
	tx.done = true
	if err := ptx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit")
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

const scanRunsSQL = `SELECT id, test_id, start FROM bench.run
WHERE ($1::bigint = 0 OR test_id = $1)
  AND ($2::timestamptz IS NULL OR start >= $2)
  AND ($3::timestamptz IS NULL OR start <= $3)
  AND ($4::boolean IS NULL OR trashed = $4)
  AND ($5::timestamptz IS NULL OR (start, id) > ($5, $6))
ORDER BY start, id
LIMIT $7`

// ScanRuns implements Store with keyset pagination so no cursor stays open
// while fn runs.
func (s *PostgresStore) ScanRuns(ctx context.Context, filter RunFilter, fn func(RunRef) error) error {
	batch := filter.BatchSize
	if batch <= 0 {
		batch = 100
	}
	var afterStart *time.Time
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
		afterStart, afterID = &last.Start, last.ID
	}
}

func (s *PostgresStore) runPage(ctx context.Context, filter RunFilter, afterStart *time.Time, afterID int64, limit int) ([]RunRef, error) {
	rows, err := s.pool.Query(ctx, scanRunsSQL,
		filter.TestID, filter.From, filter.To, filter.Trashed, afterStart, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan runs")
	}
	defer rows.Close()

	var page []RunRef
	for rows.Next() {
		var ref RunRef
		if err := rows.Scan(&ref.ID, &ref.TestID, &ref.Start); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run ref")
		}
		page = append(page, ref)
	}
	return page, eris.Wrap(rows.Err(), "postgres: scan runs")
}

// Logs implements Store.
func (s *PostgresStore) Logs(ctx context.Context, source model.LogSource, testID, runID int64) ([]model.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, test_id, run_id, dataset_id, level, message, timestamp FROM bench.log_entry
		WHERE source = $1 AND ($2::bigint = 0 OR test_id = $2) AND ($3::bigint = 0 OR run_id = $3)
		ORDER BY id`,
		string(source), testID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list logs")
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var src string
		var level int16
		if err := rows.Scan(&e.ID, &src, &e.TestID, &e.RunID, &e.DatasetID, &level, &e.Message, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		e.Source = model.LogSource(src)
		e.Level = model.LogLevel(level)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list logs")
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q     db.Querier
	hooks []func()
	done  bool
}

func (tx *pgTx) AfterCommit(fn func()) { tx.hooks = append(tx.hooks, fn) }

func (tx *pgTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: %s %d", what, id)
	}
	return eris.Wrapf(err, "postgres: get %s %d", what, id)
}

func marshalDoc(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "postgres: marshal document")
}

func unmarshalDoc(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal document")
	}
	return v, nil
}

// Runs

func (tx *pgTx) InsertRun(ctx context.Context, run *model.Run) error {
	if err := tx.check(); err != nil {
		return err
	}
	data, err := marshalDoc(run.Data)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte("null")
	}
	meta, err := marshalDoc(run.Metadata)
	if err != nil {
		return err
	}
	err = tx.q.QueryRow(ctx,
		`INSERT INTO bench.run (test_id, start, stop, description, data, metadata, trashed)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		run.TestID, run.Start, run.Stop, run.Description, data, meta, run.Trashed,
	).Scan(&run.ID)
	return eris.Wrap(err, "postgres: insert run")
}

func (tx *pgTx) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var r model.Run
	var data, meta []byte
	err := tx.q.QueryRow(ctx,
		`SELECT id, test_id, start, stop, description, data, metadata, trashed FROM bench.run WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.TestID, &r.Start, &r.Stop, &r.Description, &data, &meta, &r.Trashed)
	if err != nil {
		return nil, notFound(err, "run", id)
	}
	if r.Data, err = unmarshalDoc(data); err != nil {
		return nil, err
	}
	if r.Metadata, err = unmarshalDoc(meta); err != nil {
		return nil, err
	}
	return &r, nil
}

func (tx *pgTx) SetRunTrashed(ctx context.Context, id int64, trashed bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx, `UPDATE bench.run SET trashed = $1 WHERE id = $2`, trashed, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: trash run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %d", id)
	}
	return nil
}

func (tx *pgTx) DeleteRun(ctx context.Context, id int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx, `DELETE FROM bench.run WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %d", id)
	}
	return nil
}

// Datasets

const datasetColumns = `id, run_id, test_id, ordinal, start, stop, description, data`

func (tx *pgTx) InsertDataset(ctx context.Context, ds *model.Dataset) error {
	if err := tx.check(); err != nil {
		return err
	}
	data, err := json.Marshal(ds.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dataset")
	}
	err = tx.q.QueryRow(ctx,
		`INSERT INTO bench.dataset (run_id, test_id, ordinal, start, stop, description, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		ds.RunID, ds.TestID, ds.Ordinal, ds.Start, ds.Stop, ds.Description, data,
	).Scan(&ds.ID)
	return eris.Wrapf(err, "postgres: insert dataset %d/%d", ds.RunID, ds.Ordinal)
}

func scanDataset(row pgx.Row) (model.Dataset, error) {
	var ds model.Dataset
	var data []byte
	if err := row.Scan(&ds.ID, &ds.RunID, &ds.TestID, &ds.Ordinal, &ds.Start, &ds.Stop, &ds.Description, &data); err != nil {
		return ds, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ds.Data); err != nil {
			return ds, eris.Wrap(err, "postgres: unmarshal dataset")
		}
	}
	if ds.Data == nil {
		ds.Data = []any{}
	}
	return ds, nil
}

func (tx *pgTx) queryDatasets(ctx context.Context, sql string, args ...any) ([]model.Dataset, error) {
	rows, err := tx.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list datasets")
	}
	defer rows.Close()

	var out []model.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dataset")
		}
		out = append(out, ds)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list datasets")
}

func (tx *pgTx) GetDataset(ctx context.Context, id int64) (*model.Dataset, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	ds, err := scanDataset(tx.q.QueryRow(ctx,
		`SELECT `+datasetColumns+` FROM bench.dataset WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "dataset", id)
	}
	return &ds, nil
}

func (tx *pgTx) DatasetsByRun(ctx context.Context, runID int64) ([]model.Dataset, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryDatasets(ctx,
		`SELECT `+datasetColumns+` FROM bench.dataset WHERE run_id = $1 ORDER BY ordinal`, runID)
}

func (tx *pgTx) DatasetsByTest(ctx context.Context, testID int64, from, to *time.Time) ([]model.Dataset, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryDatasets(ctx,
		`SELECT `+datasetColumns+` FROM bench.dataset
		WHERE test_id = $1 AND ($2::timestamptz IS NULL OR start >= $2) AND ($3::timestamptz IS NULL OR start <= $3)
		ORDER BY start, id`,
		testID, from, to)
}

func (tx *pgTx) DeleteDatasets(ctx context.Context, ids []int64) error {
	return tx.deleteByIDs(ctx, "bench.dataset", "id", ids)
}

func (tx *pgTx) deleteByIDs(ctx context.Context, table, column string, ids []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.q.Exec(ctx, `DELETE FROM `+table+` WHERE `+column+` = ANY($1)`, ids)
	return eris.Wrapf(err, "postgres: delete from %s", table)
}

// Fingerprints

func (tx *pgTx) UpsertFingerprints(ctx context.Context, fps []*model.Fingerprint) error {
	if err := tx.check(); err != nil {
		return err
	}
	rows := make([][]any, 0, len(fps))
	for _, fp := range fps {
		value, err := marshalDoc(fp.Value)
		if err != nil {
			return err
		}
		rows = append(rows, []any{fp.DatasetID, fp.TestID, value, fp.Key})
	}
	switch len(rows) {
	case 0:
		return nil
	case 1:
		_, err := tx.q.Exec(ctx,
			`INSERT INTO bench.fingerprint (dataset_id, test_id, value, key) VALUES ($1, $2, $3, $4)
			ON CONFLICT (dataset_id) DO UPDATE SET test_id = EXCLUDED.test_id, value = EXCLUDED.value, key = EXCLUDED.key`,
			rows[0]...)
		return eris.Wrapf(err, "postgres: upsert fingerprint %d", fps[0].DatasetID)
	default:
		_, err := db.BulkUpsert(ctx, tx.q, db.UpsertConfig{
			Table:        "bench.fingerprint",
			Columns:      []string{"dataset_id", "test_id", "value", "key"},
			ConflictKeys: []string{"dataset_id"},
		}, rows)
		return eris.Wrap(err, "postgres: upsert fingerprints")
	}
}

func (tx *pgTx) GetFingerprint(ctx context.Context, datasetID int64) (*model.Fingerprint, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var fp model.Fingerprint
	var value []byte
	err := tx.q.QueryRow(ctx,
		`SELECT dataset_id, test_id, value, key FROM bench.fingerprint WHERE dataset_id = $1`, datasetID,
	).Scan(&fp.DatasetID, &fp.TestID, &value, &fp.Key)
	if err != nil {
		return nil, notFound(err, "fingerprint", datasetID)
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &fp.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fingerprint")
		}
	}
	return &fp, nil
}

func (tx *pgTx) DeleteFingerprints(ctx context.Context, datasetIDs []int64) error {
	return tx.deleteByIDs(ctx, "bench.fingerprint", "dataset_id", datasetIDs)
}

// Data points

// InsertDataPoints reserves ids from the sequence first so the rows can be
// streamed with COPY and still hand ids back to the caller.
func (tx *pgTx) InsertDataPoints(ctx context.Context, dps []*model.DataPoint) error {
	if err := tx.check(); err != nil {
		return err
	}
	if len(dps) == 0 {
		return nil
	}
	ids, err := tx.reserveIDs(ctx, "bench.datapoint_id_seq", len(dps))
	if err != nil {
		return err
	}
	rows := make([][]any, len(dps))
	for i, dp := range dps {
		dp.ID = ids[i]
		rows[i] = []any{dp.ID, dp.VariableID, dp.DatasetID, dp.Timestamp, dp.Value}
	}
	_, err = db.CopyFrom(ctx, tx.q, "bench.datapoint",
		[]string{"id", "variable_id", "dataset_id", "timestamp", "value"}, rows)
	return eris.Wrap(err, "postgres: insert datapoints")
}

func (tx *pgTx) reserveIDs(ctx context.Context, seq string, n int) ([]int64, error) {
	rows, err := tx.q.Query(ctx, `SELECT nextval($1::regclass) FROM generate_series(1, $2)`, seq, n)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reserve %d ids from %s", n, seq)
	}
	defer rows.Close()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: reserve ids")
	}
	if len(ids) != n {
		return nil, eris.Errorf("postgres: reserved %d ids from %s, want %d", len(ids), seq, n)
	}
	return ids, nil
}

func (tx *pgTx) queryDataPoints(ctx context.Context, sql string, args ...any) ([]model.DataPoint, error) {
	rows, err := tx.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list datapoints")
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var dp model.DataPoint
		if err := rows.Scan(&dp.ID, &dp.VariableID, &dp.DatasetID, &dp.Timestamp, &dp.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan datapoint")
		}
		out = append(out, dp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list datapoints")
}

func (tx *pgTx) DataPointsBySeries(ctx context.Context, variableID int64, fingerprint string) ([]model.DataPoint, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryDataPoints(ctx,
		`SELECT dp.id, dp.variable_id, dp.dataset_id, dp.timestamp, dp.value FROM bench.datapoint dp
		LEFT JOIN bench.fingerprint fp ON fp.dataset_id = dp.dataset_id
		WHERE dp.variable_id = $1 AND COALESCE(fp.key, '') = $2
		ORDER BY dp.timestamp, dp.dataset_id`,
		variableID, fingerprint)
}

func (tx *pgTx) DataPointsByDatasets(ctx context.Context, datasetIDs []int64) ([]model.DataPoint, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if len(datasetIDs) == 0 {
		return nil, nil
	}
	return tx.queryDataPoints(ctx,
		`SELECT id, variable_id, dataset_id, timestamp, value FROM bench.datapoint
		WHERE dataset_id = ANY($1) ORDER BY id`,
		datasetIDs)
}

func (tx *pgTx) DeleteDataPoints(ctx context.Context, ids []int64) error {
	return tx.deleteByIDs(ctx, "bench.datapoint", "id", ids)
}

// Changes

const changeColumns = `c.id, c.variable_id, c.dataset_id, c.datapoint_id, c.timestamp, c.confirmed, c.description`

func (tx *pgTx) InsertChange(ctx context.Context, c *model.Change) error {
	if err := tx.check(); err != nil {
		return err
	}
	err := tx.q.QueryRow(ctx,
		`INSERT INTO bench.change (variable_id, dataset_id, datapoint_id, timestamp, confirmed, description)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		c.VariableID, c.DatasetID, c.DataPointID, c.Timestamp, c.Confirmed, c.Description,
	).Scan(&c.ID)
	return eris.Wrap(err, "postgres: insert change")
}

func (tx *pgTx) queryChanges(ctx context.Context, sql string, args ...any) ([]model.Change, error) {
	rows, err := tx.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list changes")
	}
	defer rows.Close()

	var out []model.Change
	for rows.Next() {
		var c model.Change
		if err := rows.Scan(&c.ID, &c.VariableID, &c.DatasetID, &c.DataPointID, &c.Timestamp, &c.Confirmed, &c.Description); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list changes")
}

func (tx *pgTx) GetChange(ctx context.Context, id int64) (*model.Change, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var c model.Change
	err := tx.q.QueryRow(ctx,
		`SELECT `+changeColumns+` FROM bench.change c WHERE c.id = $1`, id,
	).Scan(&c.ID, &c.VariableID, &c.DatasetID, &c.DataPointID, &c.Timestamp, &c.Confirmed, &c.Description)
	if err != nil {
		return nil, notFound(err, "change", id)
	}
	return &c, nil
}

func (tx *pgTx) ChangesBySeries(ctx context.Context, variableID int64, fingerprint string) ([]model.Change, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM bench.change c
		LEFT JOIN bench.fingerprint fp ON fp.dataset_id = c.dataset_id
		WHERE c.variable_id = $1 AND COALESCE(fp.key, '') = $2
		ORDER BY c.timestamp, c.dataset_id`,
		variableID, fingerprint)
}

func (tx *pgTx) ChangesByDataPoints(ctx context.Context, dataPointIDs []int64) ([]model.Change, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if len(dataPointIDs) == 0 {
		return nil, nil
	}
	return tx.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM bench.change c
		WHERE c.datapoint_id = ANY($1) ORDER BY c.timestamp, c.dataset_id`,
		dataPointIDs)
}

func (tx *pgTx) UpdateChange(ctx context.Context, c *model.Change) error {
	if err := tx.check(); err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE bench.change SET confirmed = $1, description = $2 WHERE id = $3`,
		c.Confirmed, c.Description, c.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update change %d", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: change %d", c.ID)
	}
	return nil
}

func (tx *pgTx) DeleteChanges(ctx context.Context, ids []int64) error {
	return tx.deleteByIDs(ctx, "bench.change", "id", ids)
}

// Logs

func (tx *pgTx) AppendLogs(ctx context.Context, entries []model.LogEntry) error {
	if err := tx.check(); err != nil {
		return err
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		rows[i] = []any{string(e.Source), e.TestID, e.RunID, e.DatasetID, int16(e.Level), e.Message, ts}
	}
	_, err := db.CopyFrom(ctx, tx.q, "bench.log_entry",
		[]string{"source", "test_id", "run_id", "dataset_id", "level", "message", "timestamp"}, rows)
	return eris.Wrap(err, "postgres: append logs")
}

func (tx *pgTx) DeleteLogs(ctx context.Context, source model.LogSource, runID int64, datasetIDs []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if datasetIDs == nil {
		datasetIDs = []int64{}
	}
	_, err := tx.q.Exec(ctx,
		`DELETE FROM bench.log_entry
		WHERE source = $1 AND (($2::bigint <> 0 AND run_id = $2 AND dataset_id = 0) OR dataset_id = ANY($3))`,
		string(source), runID, datasetIDs)
	return eris.Wrapf(err, "postgres: delete %s logs of run %d", source, runID)
}
