package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStoreRejectsOutOfSequenceID(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertPoint(&model.EncryptedPoint{ID: 2})
	})
	require.Error(t, err)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := &model.EncryptedPoint{ID: 1, EncLat: []byte{1}}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.InsertPoint(p) }))
	p.EncLat[0] = 9

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetPoint(1)
		require.NoError(t, err)
		require.Equal(t, byte(1), got.EncLat[0])
		got.EncLat[0] = 7
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetPoint(1)
		require.NoError(t, err)
		require.Equal(t, byte(1), got.EncLat[0])
		return nil
	}))
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	s := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Update(ctx, func(store.Tx) error { return nil }), context.Canceled)
}
