package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/oracle"
)

// RequestReveal sends the result's ciphertext batch to the oracle and
// records the pending request. At most one request per query is pending at a
// time.
func (e *Engine) RequestReveal(ctx context.Context, hash model.QueryHash) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var requestID string
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetResult(hash)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			return errs.ErrQueryIncomplete
		case err != nil:
			return err
		case !r.Complete:
			return errs.ErrQueryIncomplete
		}

		dec, err := tx.GetDecrypted(hash)
		if err == nil && dec.Revealed {
			return errs.ErrAlreadyRevealed
		}
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		p, err := tx.PendingForQuery(hash)
		if err == nil {
			return fmt.Errorf("%w: request %s", errs.ErrRevealPending, p.RequestID)
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		batch := r.RevealBatch()
		// The request leaves the process before the pending record
		// commits; a failed commit withdraws it below.
		requestID, err = e.oracle.Request(ctx, batch)
		if err != nil {
			return fmt.Errorf("oracle request failed: %w", err)
		}
		return tx.PutPending(&model.PendingRequest{
			RequestID:   requestID,
			Hash:        hash,
			Kind:        r.Kind,
			Batch:       batch,
			PointIDs:    r.PointIDs,
			RequestedAt: e.now().UTC(),
		})
	})
	if err != nil {
		if requestID != "" {
			e.withdraw(requestID, hash, err)
		}
		return "", fmt.Errorf("reveal of %s: %w", hash, err)
	}
	e.logger.Info("reveal requested",
		zap.Stringer("query_hash", hash),
		zap.String("request_id", requestID))
	return requestID, nil
}

// withdraw handles an oracle request whose pending record was never
// committed. Requesters that support it drop the job; otherwise its callback
// will be refused with ErrInvalidRequest.
func (e *Engine) withdraw(requestID string, hash model.QueryHash, cause error) {
	c, ok := e.oracle.(oracle.Canceler)
	if ok {
		c.Cancel(requestID)
	}
	e.logger.Warn("reveal request orphaned by failed commit",
		zap.Stringer("query_hash", hash),
		zap.String("request_id", requestID),
		zap.Bool("cancelled", ok),
		zap.Error(cause))
}

// OnRevealCallback accepts an oracle answer. The proof is checked against the
// exact batch recorded at request time. On any failure nothing is written and
// the request stays pending, so a genuine answer can still arrive.
func (e *Engine) OnRevealCallback(ctx context.Context, requestID string, cleartext, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var revealed *model.DecryptedResult
	err := e.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.GetPending(requestID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			return errs.ErrInvalidRequest
		case err != nil:
			return err
		case p.Consumed:
			return fmt.Errorf("%w: request already consumed", errs.ErrInvalidRequest)
		}

		dec, err := tx.GetDecrypted(p.Hash)
		if err == nil && dec.Revealed {
			return errs.ErrAlreadyRevealed
		}
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		if err := e.verifier.Verify(requestID, p.Batch, cleartext, proof); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrProofVerificationFailed, err)
		}
		values, err := oracle.DecodeCleartext(cleartext, len(p.Batch))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrProofVerificationFailed, err)
		}

		now := e.now().UTC()
		revealed = decryptedFrom(p, values, now)
		if err := tx.PutDecrypted(revealed); err != nil {
			return err
		}
		p.Consumed = true
		p.ConsumedAt = now
		return tx.PutPending(p)
	})
	if err != nil {
		e.logger.Warn("reveal callback rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		return fmt.Errorf("reveal callback %s: %w", requestID, err)
	}
	e.logger.Info("result revealed",
		zap.Stringer("query_hash", revealed.Hash),
		zap.String("request_id", requestID),
		zap.Int("matches", len(revealed.Matches())))
	return nil
}

// decryptedFrom maps oracle values back onto the pending request's snapshot.
// A nearest-neighbor batch is [id, squared distance]; id 0 means no point was
// closer than MaxDistance. Range batches hold squared distances or Sentinel.
// Stored results are revealed as given.
func decryptedFrom(p *model.PendingRequest, values []float64, now time.Time) *model.DecryptedResult {
	d := &model.DecryptedResult{
		Hash:       p.Hash,
		Kind:       p.Kind,
		Revealed:   true,
		RevealedAt: now,
	}
	switch p.Kind {
	case model.KindNearest:
		if id := int64(math.Round(values[0])); id >= 1 {
			d.PointIDs = []int64{id}
			d.Distances = []float64{model.DistanceFromSquared(values[1])}
		}
	case model.KindRange:
		d.PointIDs = p.PointIDs
		d.Distances = make([]float64, len(values))
		for i, v := range values {
			d.Distances[i] = model.DistanceFromSquared(v)
		}
	default:
		d.PointIDs = p.PointIDs
		d.Distances = values
	}
	return d
}

// ListPending returns unconsumed requests issued before olderThan, oldest
// first; a zero time lists all. Retry and timeout policy belongs to the
// caller.
func (e *Engine) ListPending(ctx context.Context, olderThan time.Time) ([]*model.PendingRequest, error) {
	var out []*model.PendingRequest
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListPending(olderThan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
