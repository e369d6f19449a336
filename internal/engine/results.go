package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

// StoreResult stores an externally evaluated range result under hash and
// marks it complete. encDistances hold distances or Sentinel and are revealed
// as given. Overwriting is allowed until the result is revealed.
func (e *Engine) StoreResult(ctx context.Context, hash model.QueryHash, pointIDs []int64, encDistances []fhe.Ciphertext) error {
	if len(pointIDs) != len(encDistances) {
		return fmt.Errorf("%w: %d point ids, %d distances", errs.ErrLengthMismatch, len(pointIDs), len(encDistances))
	}
	return e.commitResult(ctx, &model.QueryResult{
		Hash:         hash,
		Kind:         model.KindStored,
		PointIDs:     pointIDs,
		EncDistances: encDistances,
	})
}

// commitResult persists r as complete together with an unrevealed
// DecryptedResult placeholder.
func (e *Engine) commitResult(ctx context.Context, r *model.QueryResult) error {
	if len(r.PointIDs) != len(r.EncDistances) {
		return errs.ErrLengthMismatch
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.Update(ctx, func(tx store.Tx) error {
		dec, err := tx.GetDecrypted(r.Hash)
		switch {
		case err == nil && dec.Revealed:
			return errs.ErrAlreadyRevealed
		case err != nil && !errors.Is(err, errs.ErrNotFound):
			return err
		}

		prev, err := tx.GetResult(r.Hash)
		switch {
		case err == nil:
			r.CreatedAt = prev.CreatedAt
		case errors.Is(err, errs.ErrNotFound):
			r.CreatedAt = e.now().UTC()
		default:
			return err
		}

		r.Complete = true
		if err := tx.PutResult(r); err != nil {
			return err
		}
		return tx.PutDecrypted(&model.DecryptedResult{Hash: r.Hash, Kind: r.Kind})
	})
	if err != nil {
		return fmt.Errorf("failed to store result %s: %w", r.Hash, err)
	}
	e.logger.Debug("result stored",
		zap.Stringer("query_hash", r.Hash),
		zap.Stringer("kind", r.Kind),
		zap.Int("entries", len(r.PointIDs)))
	return nil
}

// GetResult returns the encrypted result for hash.
func (e *Engine) GetResult(ctx context.Context, hash model.QueryHash) (*model.QueryResult, error) {
	var r *model.QueryResult
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.GetResult(hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetDecrypted returns the plaintext result for hash. Before reveal it has
// Revealed == false and no distances.
func (e *Engine) GetDecrypted(ctx context.Context, hash model.QueryHash) (*model.DecryptedResult, error) {
	var d *model.DecryptedResult
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		d, err = tx.GetDecrypted(hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
