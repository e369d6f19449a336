package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return New(mock), mock
}

var readOnly = pgx.TxOptions{AccessMode: pgx.ReadOnly}

func testHash() model.QueryHash {
	var h model.QueryHash
	h[0], h[31] = 0xde, 0xad
	return h
}

func TestSubmitPoint_OK(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	p := &model.EncryptedPoint{
		ID: 1, EncLat: fhe.Ciphertext("a"), EncLon: fhe.Ciphertext("b"), EncTimestamp: fhe.Ciphertext("c"),
		Cell: grid.CellKey(42), SubmittedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qCountPoints)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectExec(regexp.QuoteMeta(qInsertPoint)).
		WithArgs(int64(1), []byte("a"), []byte("b"), []byte("c"), int64(42), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), func(tx store.Tx) error {
		n, err := tx.PointCount()
		if err != nil {
			return err
		}
		require.Zero(t, n)
		return tx.InsertPoint(p)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPoint_NotFound(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qSelectPoint)).
		WithArgs(int64(5)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetPoint(5)
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPoints_OK(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qListPoints)).
		WithArgs(int64(10)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "enc_lat", "enc_lon", "enc_ts", "cell", "submitted_at"}).
			AddRow(int64(1), []byte{1}, []byte{2}, []byte{3}, int64(0), now).
			AddRow(int64(2), []byte{4}, []byte{5}, []byte{6}, int64(7), now))
	mock.ExpectCommit()

	var got []*model.EncryptedPoint
	err := s.View(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.ListPoints(10)
		return err
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, grid.CellKey(7), got[1].Cell)
	require.Equal(t, fhe.Ciphertext{5}, got[1].EncLon)
}

func TestPutResult_RollbackOnError(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	h := testHash()
	created := time.Unix(1700000100, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(qUpsertResult)).
		WithArgs(h[:], int16(model.KindRange), []int64{1, 2}, [][]byte{{9}, {8}}, []byte(nil), []byte(nil), []byte(nil), true, created).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutResult(&model.QueryResult{
			Hash: h, Kind: model.KindRange, PointIDs: []int64{1, 2},
			EncDistances: []fhe.Ciphertext{{9}, {8}}, Complete: true, CreatedAt: created,
		})
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResult_Nearest(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	h := testHash()
	created := time.Unix(1700000100, 0).UTC()
	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qSelectResult)).
		WithArgs(h[:]).
		WillReturnRows(pgxmock.NewRows([]string{
			"kind", "point_ids", "enc_distances", "nearest_id", "nearest_distance", "nearest_squared", "complete", "created_at",
		}).AddRow(int16(model.KindNearest), []int64{}, [][]byte{}, []byte{1}, []byte{2}, []byte{3}, true, created))
	mock.ExpectCommit()

	var got *model.QueryResult
	err := s.View(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetResult(h)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, model.KindNearest, got.Kind)
	require.NotNil(t, got.Nearest)
	require.Equal(t, fhe.Ciphertext{2}, got.Nearest.EncDistance)
	require.Equal(t, fhe.Ciphertext{3}, got.Nearest.EncSquaredDistance)
	require.Nil(t, got.PointIDs)
	require.Len(t, got.RevealBatch(), 2)
}

func TestGetDecrypted_NotFound(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	h := testHash()
	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qSelectDecrypted)).
		WithArgs(h[:]).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetDecrypted(h)
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPendingForQuery_OK(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	h := testHash()
	requested := time.Unix(1700000200, 0).UTC()
	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qPendingForQuery)).
		WithArgs(h[:]).
		WillReturnRows(pgxmock.NewRows([]string{
			"request_id", "hash", "kind", "batch", "point_ids", "requested_at", "consumed", "consumed_at",
		}).AddRow("req-1", h[:], int16(model.KindRange), [][]byte{{7}}, []int64{3}, requested, false, time.Time{}))
	mock.ExpectCommit()

	var got *model.PendingRequest
	err := s.View(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.PendingForQuery(h)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "req-1", got.RequestID)
	require.Equal(t, h, got.Hash)
	require.Equal(t, []fhe.Ciphertext{{7}}, got.Batch)
	require.Equal(t, []int64{3}, got.PointIDs)
	require.False(t, got.Consumed)
}

func TestListPending_OlderThan(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	cutoff := time.Unix(1700000300, 0).UTC()
	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qListPendingOlder)).
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{
			"request_id", "hash", "kind", "batch", "point_ids", "requested_at", "consumed", "consumed_at",
		}))
	mock.ExpectCommit()

	err := s.View(context.Background(), func(tx store.Tx) error {
		list, err := tx.ListPending(cutoff)
		require.Empty(t, list)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMeta_NotFound(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectBeginTx(readOnly)
	mock.ExpectQuery(regexp.QuoteMeta(qSelectMeta)).
		WithArgs("grid").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetMeta("grid")
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutMeta_OK(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSelectMeta)).
		WithArgs("key_fingerprint").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("00aa"))
	mock.ExpectExec(regexp.QuoteMeta(qUpsertMeta)).
		WithArgs("grid", "coarse/2.5").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), func(tx store.Tx) error {
		fp, err := tx.GetMeta("key_fingerprint")
		if err != nil {
			return err
		}
		require.Equal(t, "00aa", fp)
		return tx.PutMeta("grid", "coarse/2.5")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestView_RejectsWrites(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectBeginTx(readOnly)
	mock.ExpectRollback()

	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.PutPending(&model.PendingRequest{RequestID: "x"})
	})
	require.ErrorIs(t, err, store.ErrReadOnly)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBegin_Error(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
	err := s.Update(context.Background(), func(store.Tx) error { return nil })
	require.Error(t, err)
}
