// Package sqlite is a single-file store backend built on database/sql and the
// mattn/go-sqlite3 driver. Id lists and ciphertext batches are stored as JSON.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

func createPointsTable() string {
	return `
		CREATE TABLE IF NOT EXISTS points (
			id INTEGER PRIMARY KEY,
			enc_lat BLOB NOT NULL,
			enc_lon BLOB NOT NULL,
			enc_ts BLOB NOT NULL,
			cell INTEGER NOT NULL,
			submitted_at INTEGER NOT NULL
		);
	`
}

func createResultsTable() string {
	return `
		CREATE TABLE IF NOT EXISTS results (
			hash BLOB PRIMARY KEY,
			kind INTEGER NOT NULL,
			point_ids TEXT NOT NULL,
			enc_distances TEXT NOT NULL,
			nearest_id BLOB,
			nearest_distance BLOB,
			nearest_squared BLOB,
			complete INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
}

func createDecryptedTable() string {
	return `
		CREATE TABLE IF NOT EXISTS decrypted (
			hash BLOB PRIMARY KEY,
			kind INTEGER NOT NULL,
			point_ids TEXT NOT NULL,
			distances TEXT NOT NULL,
			revealed INTEGER NOT NULL,
			revealed_at INTEGER NOT NULL
		);
	`
}

func createPendingTable() string {
	return `
		CREATE TABLE IF NOT EXISTS pending (
			request_id TEXT PRIMARY KEY,
			hash BLOB NOT NULL,
			kind INTEGER NOT NULL,
			batch TEXT NOT NULL,
			point_ids TEXT NOT NULL,
			requested_at INTEGER NOT NULL,
			consumed INTEGER NOT NULL,
			consumed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS pending_open ON pending (hash) WHERE consumed = 0;
	`
}

func createMetaTable() string {
	return `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
}

// Store is a store.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" is allowed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite serializes writers anyway; one connection also keeps :memory: stable.
	db.SetMaxOpenConns(1)

	for _, ddl := range []string{
		createPointsTable(),
		createResultsTable(),
		createDecryptedTable(),
		createPendingTable(),
		createMetaTable(),
	} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}
	return &Store{db: db}, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, true, fn)
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, writable bool, fn func(store.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil || !writable {
			_ = sqlTx.Rollback()
			return
		}
		if e := sqlTx.Commit(); e != nil {
			err = errors.Wrap(e, "commit")
		}
	}()
	return fn(&tx{ctx: ctx, tx: sqlTx, writable: writable})
}

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

type tx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *tx) exec(query string, args ...any) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, query, args...)
	return errors.Wrap(err, "exec")
}

func (t *tx) PointCount() (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM points`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count points")
	}
	return n, nil
}

func (t *tx) InsertPoint(p *model.EncryptedPoint) error {
	return t.exec(`INSERT INTO points (id, enc_lat, enc_lon, enc_ts, cell, submitted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, []byte(p.EncLat), []byte(p.EncLon), []byte(p.EncTimestamp), int64(p.Cell), nanos(p.SubmittedAt))
}

const selectPoint = `SELECT id, enc_lat, enc_lon, enc_ts, cell, submitted_at FROM points`

func scanPoint(row scanner) (*model.EncryptedPoint, error) {
	var (
		p            model.EncryptedPoint
		lat, lon, ts []byte
		cell, when   int64
	)
	if err := row.Scan(&p.ID, &lat, &lon, &ts, &cell, &when); err != nil {
		return nil, err
	}
	p.EncLat, p.EncLon, p.EncTimestamp = lat, lon, ts
	p.Cell = grid.CellKey(cell)
	p.SubmittedAt = fromNanos(when)
	return &p, nil
}

func (t *tx) GetPoint(id int64) (*model.EncryptedPoint, error) {
	p, err := scanPoint(t.tx.QueryRowContext(t.ctx, selectPoint+` WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errs.ErrNotFound, "point %d", id)
	}
	return p, errors.Wrap(err, "scan point")
}

func (t *tx) GetPoints(ids []int64) ([]*model.EncryptedPoint, error) {
	out := make([]*model.EncryptedPoint, len(ids))
	for i, id := range ids {
		p, err := t.GetPoint(id)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (t *tx) ListPoints(maxID int64) ([]*model.EncryptedPoint, error) {
	rows, err := t.tx.QueryContext(t.ctx, selectPoint+` WHERE id <= ? ORDER BY id`, maxID)
	if err != nil {
		return nil, errors.Wrap(err, "query points")
	}
	defer rows.Close()

	var out []*model.EncryptedPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan point")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate points")
}

func (t *tx) PutResult(r *model.QueryResult) error {
	ids, err := json.Marshal(orEmpty(r.PointIDs))
	if err != nil {
		return errors.Wrap(err, "marshal point ids")
	}
	dists, err := json.Marshal(orEmpty(r.EncDistances))
	if err != nil {
		return errors.Wrap(err, "marshal distances")
	}
	var nid, ndist, nsq []byte
	if r.Nearest != nil {
		nid, ndist, nsq = r.Nearest.EncID, r.Nearest.EncDistance, r.Nearest.EncSquaredDistance
	}
	return t.exec(`INSERT OR REPLACE INTO results
		(hash, kind, point_ids, enc_distances, nearest_id, nearest_distance, nearest_squared, complete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Hash[:], int64(r.Kind), string(ids), string(dists), nid, ndist, nsq, r.Complete, nanos(r.CreatedAt))
}

func (t *tx) GetResult(h model.QueryHash) (*model.QueryResult, error) {
	var (
		r          = model.QueryResult{Hash: h}
		kind       int64
		ids, dists string
		nid, ndist []byte
		nsq        []byte
		created    int64
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT kind, point_ids, enc_distances, nearest_id, nearest_distance, nearest_squared, complete, created_at
		FROM results WHERE hash = ?`, h[:]).Scan(&kind, &ids, &dists, &nid, &ndist, &nsq, &r.Complete, &created)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errs.ErrNotFound, "result %s", h)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan result")
	}
	r.Kind = model.QueryKind(kind)
	r.CreatedAt = fromNanos(created)
	if err := json.Unmarshal([]byte(ids), &r.PointIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal point ids")
	}
	if err := json.Unmarshal([]byte(dists), &r.EncDistances); err != nil {
		return nil, errors.Wrap(err, "unmarshal distances")
	}
	if nid != nil {
		r.Nearest = &model.Nearest{EncID: nid, EncDistance: ndist, EncSquaredDistance: nsq}
	}
	r.PointIDs, r.EncDistances = nilIfEmpty(r.PointIDs), nilIfEmpty(r.EncDistances)
	return &r, nil
}

func (t *tx) PutDecrypted(d *model.DecryptedResult) error {
	ids, err := json.Marshal(orEmpty(d.PointIDs))
	if err != nil {
		return errors.Wrap(err, "marshal point ids")
	}
	dists, err := json.Marshal(orEmpty(d.Distances))
	if err != nil {
		return errors.Wrap(err, "marshal distances")
	}
	return t.exec(`INSERT OR REPLACE INTO decrypted (hash, kind, point_ids, distances, revealed, revealed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.Hash[:], int64(d.Kind), string(ids), string(dists), d.Revealed, nanos(d.RevealedAt))
}

func (t *tx) GetDecrypted(h model.QueryHash) (*model.DecryptedResult, error) {
	var (
		d          = model.DecryptedResult{Hash: h}
		kind, when int64
		ids, dists string
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT kind, point_ids, distances, revealed, revealed_at
		FROM decrypted WHERE hash = ?`, h[:]).Scan(&kind, &ids, &dists, &d.Revealed, &when)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errs.ErrNotFound, "decrypted result %s", h)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan decrypted result")
	}
	d.Kind = model.QueryKind(kind)
	d.RevealedAt = fromNanos(when)
	if err := json.Unmarshal([]byte(ids), &d.PointIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal point ids")
	}
	if err := json.Unmarshal([]byte(dists), &d.Distances); err != nil {
		return nil, errors.Wrap(err, "unmarshal distances")
	}
	d.PointIDs, d.Distances = nilIfEmpty(d.PointIDs), nilIfEmpty(d.Distances)
	return &d, nil
}

func (t *tx) PutPending(p *model.PendingRequest) error {
	batch, err := json.Marshal(orEmpty(p.Batch))
	if err != nil {
		return errors.Wrap(err, "marshal batch")
	}
	ids, err := json.Marshal(orEmpty(p.PointIDs))
	if err != nil {
		return errors.Wrap(err, "marshal point ids")
	}
	return t.exec(`INSERT OR REPLACE INTO pending
		(request_id, hash, kind, batch, point_ids, requested_at, consumed, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RequestID, p.Hash[:], int64(p.Kind), string(batch), string(ids),
		nanos(p.RequestedAt), p.Consumed, nanos(p.ConsumedAt))
}

const selectPending = `SELECT request_id, hash, kind, batch, point_ids, requested_at, consumed, consumed_at FROM pending`

func scanPending(row scanner) (*model.PendingRequest, error) {
	var (
		p                   model.PendingRequest
		hash                []byte
		kind                int64
		batch, ids          string
		requested, consumed int64
	)
	if err := row.Scan(&p.RequestID, &hash, &kind, &batch, &ids, &requested, &p.Consumed, &consumed); err != nil {
		return nil, err
	}
	copy(p.Hash[:], hash)
	p.Kind = model.QueryKind(kind)
	p.RequestedAt, p.ConsumedAt = fromNanos(requested), fromNanos(consumed)
	if err := json.Unmarshal([]byte(batch), &p.Batch); err != nil {
		return nil, errors.Wrap(err, "unmarshal batch")
	}
	if err := json.Unmarshal([]byte(ids), &p.PointIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal point ids")
	}
	p.Batch, p.PointIDs = nilIfEmpty(p.Batch), nilIfEmpty(p.PointIDs)
	return &p, nil
}

func (t *tx) GetPending(requestID string) (*model.PendingRequest, error) {
	p, err := scanPending(t.tx.QueryRowContext(t.ctx, selectPending+` WHERE request_id = ?`, requestID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errs.ErrNotFound, "request %s", requestID)
	}
	return p, errors.Wrap(err, "scan pending")
}

func (t *tx) PendingForQuery(h model.QueryHash) (*model.PendingRequest, error) {
	p, err := scanPending(t.tx.QueryRowContext(t.ctx,
		selectPending+` WHERE hash = ? AND consumed = 0 ORDER BY requested_at LIMIT 1`, h[:]))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errs.ErrNotFound, "pending request for %s", h)
	}
	return p, errors.Wrap(err, "scan pending")
}

func (t *tx) ListPending(olderThan time.Time) ([]*model.PendingRequest, error) {
	cutoff := int64(1<<63 - 1)
	if !olderThan.IsZero() {
		cutoff = nanos(olderThan)
	}
	rows, err := t.tx.QueryContext(t.ctx,
		selectPending+` WHERE consumed = 0 AND requested_at < ? ORDER BY requested_at, request_id`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "query pending")
	}
	defer rows.Close()

	var out []*model.PendingRequest
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pending")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate pending")
}

func (t *tx) GetMeta(key string) (string, error) {
	var v string
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(errs.ErrNotFound, "meta %q", key)
	}
	return v, errors.Wrap(err, "scan meta")
}

func (t *tx) PutMeta(key, value string) error {
	return t.exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

var _ store.Store = (*Store)(nil)
