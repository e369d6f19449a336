package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

const (
	qCountPoints = `SELECT COUNT(*) FROM points`
	qInsertPoint = `INSERT INTO points (id, enc_lat, enc_lon, enc_ts, cell, submitted_at) VALUES ($1,$2,$3,$4,$5,$6)`
	qSelectPoint = `SELECT id, enc_lat, enc_lon, enc_ts, cell, submitted_at FROM points WHERE id=$1`
	qListPoints  = `SELECT id, enc_lat, enc_lon, enc_ts, cell, submitted_at FROM points WHERE id<=$1 ORDER BY id`

	qUpsertResult = `
INSERT INTO results (hash, kind, point_ids, enc_distances, nearest_id, nearest_distance, nearest_squared, complete, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (hash) DO UPDATE SET
  kind=EXCLUDED.kind, point_ids=EXCLUDED.point_ids, enc_distances=EXCLUDED.enc_distances,
  nearest_id=EXCLUDED.nearest_id, nearest_distance=EXCLUDED.nearest_distance,
  nearest_squared=EXCLUDED.nearest_squared, complete=EXCLUDED.complete, created_at=EXCLUDED.created_at`
	qSelectResult = `
SELECT kind, point_ids, enc_distances, nearest_id, nearest_distance, nearest_squared, complete, created_at
FROM results WHERE hash=$1`

	qUpsertDecrypted = `
INSERT INTO decrypted (hash, kind, point_ids, distances, revealed, revealed_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (hash) DO UPDATE SET
  kind=EXCLUDED.kind, point_ids=EXCLUDED.point_ids, distances=EXCLUDED.distances,
  revealed=EXCLUDED.revealed, revealed_at=EXCLUDED.revealed_at`
	qSelectDecrypted = `SELECT kind, point_ids, distances, revealed, revealed_at FROM decrypted WHERE hash=$1`

	qUpsertPending = `
INSERT INTO pending (request_id, hash, kind, batch, point_ids, requested_at, consumed, consumed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (request_id) DO UPDATE SET
  consumed=EXCLUDED.consumed, consumed_at=EXCLUDED.consumed_at`
	pendingColumns    = `SELECT request_id, hash, kind, batch, point_ids, requested_at, consumed, consumed_at FROM pending`
	qSelectPending    = pendingColumns + ` WHERE request_id=$1`
	qPendingForQuery  = pendingColumns + ` WHERE hash=$1 AND NOT consumed`
	qListPending      = pendingColumns + ` WHERE NOT consumed ORDER BY requested_at, request_id`
	qListPendingOlder = pendingColumns + ` WHERE NOT consumed AND requested_at<$1 ORDER BY requested_at, request_id`

	qSelectMeta = `SELECT value FROM meta WHERE key=$1`
	qUpsertMeta = `INSERT INTO meta (key, value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`
)

// Store is a store.Store on PostgreSQL. Run Migrate before first use.
type Store struct{ pool PgxPool }

// New wraps a pool. The store takes ownership and closes it on Close.
func New(pool PgxPool) *Store { return &Store{pool: pool} }

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, true, fn)
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, writable bool, fn func(store.Tx) error) (err error) {
	pgTx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = pgTx.Rollback(ctx)
			return
		}
		if e := pgTx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(&tx{ctx: ctx, tx: pgTx, writable: writable})
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type tx struct {
	ctx      context.Context
	tx       pgx.Tx
	writable bool
}

func (t *tx) exec(sql string, args ...any) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	_, err := t.tx.Exec(t.ctx, sql, args...)
	return err
}

func (t *tx) PointCount() (int64, error) {
	var n int64
	if err := t.tx.QueryRow(t.ctx, qCountPoints).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tx) InsertPoint(p *model.EncryptedPoint) error {
	return t.exec(qInsertPoint, p.ID, []byte(p.EncLat), []byte(p.EncLon), []byte(p.EncTimestamp),
		int64(p.Cell), p.SubmittedAt)
}

func scanPoint(row pgx.Row) (*model.EncryptedPoint, error) {
	var (
		p            model.EncryptedPoint
		lat, lon, ts []byte
		cell         int64
	)
	if err := row.Scan(&p.ID, &lat, &lon, &ts, &cell, &p.SubmittedAt); err != nil {
		return nil, err
	}
	p.EncLat, p.EncLon, p.EncTimestamp = lat, lon, ts
	p.Cell = grid.CellKey(cell)
	return &p, nil
}

func (t *tx) GetPoint(id int64) (*model.EncryptedPoint, error) {
	p, err := scanPoint(t.tx.QueryRow(t.ctx, qSelectPoint, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("point %d: %w", id, errs.ErrNotFound)
	}
	return p, err
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
	rows, err := t.tx.Query(t.ctx, qListPoints, maxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.EncryptedPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) PutResult(r *model.QueryResult) error {
	var nid, ndist, nsq []byte
	if r.Nearest != nil {
		nid, ndist, nsq = r.Nearest.EncID, r.Nearest.EncDistance, r.Nearest.EncSquaredDistance
	}
	return t.exec(qUpsertResult, r.Hash[:], int16(r.Kind), ids(r.PointIDs), toBytes(r.EncDistances),
		nid, ndist, nsq, r.Complete, r.CreatedAt)
}

func (t *tx) GetResult(h model.QueryHash) (*model.QueryResult, error) {
	var (
		r          = model.QueryResult{Hash: h}
		kind       int16
		dists      [][]byte
		nid, ndist []byte
		nsq        []byte
	)
	err := t.tx.QueryRow(t.ctx, qSelectResult, h[:]).
		Scan(&kind, &r.PointIDs, &dists, &nid, &ndist, &nsq, &r.Complete, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", h, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Kind = model.QueryKind(kind)
	r.EncDistances = fromBytes(dists)
	if len(r.PointIDs) == 0 {
		r.PointIDs = nil
	}
	if nid != nil {
		r.Nearest = &model.Nearest{EncID: nid, EncDistance: ndist, EncSquaredDistance: nsq}
	}
	return &r, nil
}

func (t *tx) PutDecrypted(d *model.DecryptedResult) error {
	dists := d.Distances
	if dists == nil {
		dists = []float64{}
	}
	return t.exec(qUpsertDecrypted, d.Hash[:], int16(d.Kind), ids(d.PointIDs), dists, d.Revealed, d.RevealedAt)
}

func (t *tx) GetDecrypted(h model.QueryHash) (*model.DecryptedResult, error) {
	var (
		d    = model.DecryptedResult{Hash: h}
		kind int16
	)
	err := t.tx.QueryRow(t.ctx, qSelectDecrypted, h[:]).
		Scan(&kind, &d.PointIDs, &d.Distances, &d.Revealed, &d.RevealedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("decrypted result %s: %w", h, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.Kind = model.QueryKind(kind)
	if len(d.PointIDs) == 0 {
		d.PointIDs = nil
	}
	if len(d.Distances) == 0 {
		d.Distances = nil
	}
	return &d, nil
}

func (t *tx) PutPending(p *model.PendingRequest) error {
	return t.exec(qUpsertPending, p.RequestID, p.Hash[:], int16(p.Kind), toBytes(p.Batch), ids(p.PointIDs),
		p.RequestedAt, p.Consumed, p.ConsumedAt)
}

func scanPending(row pgx.Row) (*model.PendingRequest, error) {
	var (
		p     model.PendingRequest
		hash  []byte
		kind  int16
		batch [][]byte
	)
	if err := row.Scan(&p.RequestID, &hash, &kind, &batch, &p.PointIDs, &p.RequestedAt, &p.Consumed, &p.ConsumedAt); err != nil {
		return nil, err
	}
	copy(p.Hash[:], hash)
	p.Kind = model.QueryKind(kind)
	p.Batch = fromBytes(batch)
	if len(p.PointIDs) == 0 {
		p.PointIDs = nil
	}
	return &p, nil
}

func (t *tx) GetPending(requestID string) (*model.PendingRequest, error) {
	p, err := scanPending(t.tx.QueryRow(t.ctx, qSelectPending, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, errs.ErrNotFound)
	}
	return p, err
}

func (t *tx) PendingForQuery(h model.QueryHash) (*model.PendingRequest, error) {
	p, err := scanPending(t.tx.QueryRow(t.ctx, qPendingForQuery, h[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending request for %s: %w", h, errs.ErrNotFound)
	}
	return p, err
}

func (t *tx) ListPending(olderThan time.Time) ([]*model.PendingRequest, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if olderThan.IsZero() {
		rows, err = t.tx.Query(t.ctx, qListPending)
	} else {
		rows, err = t.tx.Query(t.ctx, qListPendingOlder, olderThan)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PendingRequest
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) GetMeta(key string) (string, error) {
	var v string
	err := t.tx.QueryRow(t.ctx, qSelectMeta, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, errs.ErrNotFound)
	}
	return v, err
}

func (t *tx) PutMeta(key, value string) error {
	return t.exec(qUpsertMeta, key, value)
}

func ids(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}

func toBytes(cts []fhe.Ciphertext) [][]byte {
	out := make([][]byte, len(cts))
	for i, ct := range cts {
		out[i] = ct
	}
	return out
}

func fromBytes(bs [][]byte) []fhe.Ciphertext {
	if len(bs) == 0 {
		return nil
	}
	out := make([]fhe.Ciphertext, len(bs))
	for i, b := range bs {
		out[i] = b
	}
	return out
}

var _ store.Store = (*Store)(nil)
