// Package storetest holds behavior tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Points", testPoints},
		{"RollbackOnError", testRollback},
		{"ReadOnlyView", testReadOnly},
		{"Results", testResults},
		{"Pending", testPending},
		{"ReadYourWrites", testReadYourWrites},
		{"Meta", testMeta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func point(id int64) *model.EncryptedPoint {
	return &model.EncryptedPoint{
		ID:           id,
		EncLat:       fhe.Ciphertext{byte(id), 1},
		EncLon:       fhe.Ciphertext{byte(id), 2},
		EncTimestamp: fhe.Ciphertext{byte(id), 3},
		Cell:         grid.CellKey(id * 7),
		SubmittedAt:  time.Unix(1700000000+id, 0).UTC(),
	}
}

func hash(b byte) model.QueryHash {
	var h model.QueryHash
	h[0] = b
	return h
}

func testPoints(t *testing.T, s store.Store) {
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			n, err := tx.PointCount()
			require.NoError(t, err)
			require.Equal(t, id-1, n)
			return tx.InsertPoint(point(id))
		}))
	}

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		p, err := tx.GetPoint(2)
		require.NoError(t, err)
		require.Equal(t, point(2).EncLon, p.EncLon)
		require.Equal(t, grid.CellKey(14), p.Cell)
		require.True(t, point(2).SubmittedAt.Equal(p.SubmittedAt))

		_, err = tx.GetPoint(4)
		require.ErrorIs(t, err, errs.ErrNotFound)
		_, err = tx.GetPoint(0)
		require.ErrorIs(t, err, errs.ErrNotFound)

		ps, err := tx.GetPoints([]int64{3, 1})
		require.NoError(t, err)
		require.Equal(t, int64(3), ps[0].ID)
		require.Equal(t, int64(1), ps[1].ID)

		all, err := tx.ListPoints(2)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, int64(1), all[0].ID)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertPoint(point(1)))
		require.NoError(t, tx.PutResult(&model.QueryResult{Hash: hash(1), Kind: model.KindRange, Complete: true}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.PointCount()
		require.NoError(t, err)
		require.Zero(t, n)
		_, err = tx.GetResult(hash(1))
		require.ErrorIs(t, err, errs.ErrNotFound)
		return nil
	}))
}

func testReadOnly(t *testing.T, s store.Store) {
	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.InsertPoint(point(1))
	})
	require.Error(t, err)
}

func testResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := &model.QueryResult{
		Hash:         hash(9),
		Kind:         model.KindRange,
		PointIDs:     []int64{1, 2},
		EncDistances: []fhe.Ciphertext{{0xa}, {0xb}},
		Complete:     true,
		CreatedAt:    time.Unix(1700000100, 0).UTC(),
	}
	nn := &model.QueryResult{
		Hash:     hash(10),
		Kind:     model.KindNearest,
		Nearest:  &model.Nearest{EncID: fhe.Ciphertext{1}, EncDistance: fhe.Ciphertext{2}, EncSquaredDistance: fhe.Ciphertext{4}},
		Complete: true,
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutResult(r); err != nil {
			return err
		}
		if err := tx.PutResult(nn); err != nil {
			return err
		}
		return tx.PutDecrypted(&model.DecryptedResult{Hash: r.Hash, Kind: r.Kind})
	}))

	// Overwrite with a new id list.
	r.PointIDs = []int64{3}
	r.EncDistances = []fhe.Ciphertext{{0xc}}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.PutResult(r) }))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutDecrypted(&model.DecryptedResult{
			Hash:       r.Hash,
			Kind:       r.Kind,
			PointIDs:   []int64{3},
			Distances:  []float64{1.5},
			Revealed:   true,
			RevealedAt: time.Unix(1700000200, 0).UTC(),
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetResult(r.Hash)
		require.NoError(t, err)
		require.Equal(t, []int64{3}, got.PointIDs)
		require.Equal(t, []fhe.Ciphertext{{0xc}}, got.EncDistances)
		require.True(t, got.Complete)
		require.Nil(t, got.Nearest)

		gotNN, err := tx.GetResult(nn.Hash)
		require.NoError(t, err)
		require.NotNil(t, gotNN.Nearest)
		require.Equal(t, fhe.Ciphertext{2}, gotNN.Nearest.EncDistance)
		require.Equal(t, fhe.Ciphertext{4}, gotNN.Nearest.EncSquaredDistance)
		require.Equal(t, model.KindNearest, gotNN.Kind)

		d, err := tx.GetDecrypted(r.Hash)
		require.NoError(t, err)
		require.True(t, d.Revealed)
		require.Equal(t, []float64{1.5}, d.Distances)

		_, err = tx.GetDecrypted(hash(77))
		require.ErrorIs(t, err, errs.ErrNotFound)
		return nil
	}))
}

func testPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0).UTC()
	a := &model.PendingRequest{
		RequestID: "a", Hash: hash(1), Kind: model.KindRange,
		Batch: []fhe.Ciphertext{{1}}, PointIDs: []int64{5}, RequestedAt: t0,
	}
	b := &model.PendingRequest{
		RequestID: "b", Hash: hash(2), Kind: model.KindNearest,
		Batch: []fhe.Ciphertext{{2}, {3}}, RequestedAt: t0.Add(time.Minute),
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutPending(a); err != nil {
			return err
		}
		return tx.PutPending(b)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		p, err := tx.PendingForQuery(hash(1))
		require.NoError(t, err)
		require.Equal(t, "a", p.RequestID)
		require.Equal(t, []int64{5}, p.PointIDs)

		list, err := tx.ListPending(time.Time{})
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "a", list[0].RequestID)

		old, err := tx.ListPending(t0.Add(30 * time.Second))
		require.NoError(t, err)
		require.Len(t, old, 1)
		return nil
	}))

	a.Consumed = true
	a.ConsumedAt = t0.Add(2 * time.Minute)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.PutPending(a) }))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.PendingForQuery(hash(1))
		require.ErrorIs(t, err, errs.ErrNotFound)

		got, err := tx.GetPending("a")
		require.NoError(t, err)
		require.True(t, got.Consumed)
		require.Equal(t, []fhe.Ciphertext{{1}}, got.Batch)

		_, err = tx.GetPending("missing")
		require.ErrorIs(t, err, errs.ErrNotFound)

		list, err := tx.ListPending(time.Time{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		return nil
	}))
}

func testReadYourWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertPoint(point(1)))
		n, err := tx.PointCount()
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		p, err := tx.GetPoint(1)
		require.NoError(t, err)
		require.Equal(t, int64(1), p.ID)

		require.NoError(t, tx.PutPending(&model.PendingRequest{RequestID: "x", Hash: hash(4), RequestedAt: time.Now()}))
		_, err = tx.PendingForQuery(hash(4))
		require.NoError(t, err)
		return nil
	}))
}

func testMeta(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetMeta("grid")
		require.ErrorIs(t, err, errs.ErrNotFound)
		require.ErrorIs(t, tx.PutMeta("grid", "none"), store.ErrReadOnly)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.PutMeta("grid", "none"))
		got, err := tx.GetMeta("grid")
		require.NoError(t, err)
		require.Equal(t, "none", got)
		return tx.PutMeta("grid", "coarse/2.5")
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.PutMeta("grid", "coarse/9"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetMeta("grid")
		require.NoError(t, err)
		require.Equal(t, "coarse/2.5", got)
		return nil
	}))
}
