package engine

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

// RangeQuery evaluates, for every candidate point, whether it lies within
// radius of the center and inside [startTime, endTime], entirely over
// ciphertexts. Each candidate is stored as Select(match, squared distance,
// Sentinel); which candidates matched is only known after reveal.
//
// A failed evaluation stores nothing, so the hash stays unknown and reveal
// requests for it fail with ErrQueryIncomplete.
func (e *Engine) RangeQuery(ctx context.Context, centerLat, centerLon, radius float64, startTime, endTime int64) (model.QueryHash, error) {
	if !finite(centerLat) || !finite(centerLon) || !finite(radius) || radius < 0 {
		return model.QueryHash{}, fmt.Errorf("%w: center and radius must be finite, radius non-negative", errs.ErrInvalidArgument)
	}
	if err := e.scale.checkCoord(centerLat, centerLon); err != nil {
		return model.QueryHash{}, err
	}

	now := e.now().UTC()
	hash := queryHash(model.KindRange,
		[]float64{centerLat, centerLon, radius},
		[]int64{startTime, endTime},
		now, e.seq.Add(1))

	maxID := e.snapshot()
	ids, err := e.index.Candidates(centerLat, centerLon, radius, maxID)
	if err != nil {
		return hash, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	points, err := e.loadPoints(ctx, ids)
	if err != nil {
		return hash, err
	}

	var enc []fhe.Ciphertext
	if start, end, ok := e.scale.window(startTime, endTime); ok {
		enc, err = e.evaluateRange(ctx, points, centerLat, centerLon, radius, start, end)
	} else {
		enc, err = e.noMatches(len(points))
	}
	if err != nil {
		return hash, fmt.Errorf("range evaluation failed: %w", err)
	}

	err = e.commitResult(ctx, &model.QueryResult{
		Hash:         hash,
		Kind:         model.KindRange,
		PointIDs:     ids,
		EncDistances: enc,
	})
	if err != nil {
		return hash, err
	}
	e.logger.Info("range query evaluated",
		zap.Stringer("query_hash", hash),
		zap.Int("candidates", len(ids)),
		zap.Int64("snapshot", maxID))
	return hash, nil
}

type rangeParams struct {
	lat, lon   fhe.Ciphertext
	radius2    fhe.Ciphertext
	start, end fhe.Ciphertext
	sentinel   fhe.Ciphertext
}

// evaluateRange runs rangeEntry over points. start and end are already
// scaled.
func (e *Engine) evaluateRange(ctx context.Context, points []*model.EncryptedPoint, lat, lon, radius, start, end float64) ([]fhe.Ciphertext, error) {
	consts, err := fhe.EncryptAll(e.ev, lat, lon, e.scale.squared(radius*radius), start, end, model.Sentinel)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt query constants: %w", err)
	}
	q := rangeParams{lat: consts[0], lon: consts[1], radius2: consts[2], start: consts[3], end: consts[4], sentinel: consts[5]}

	enc := make([]fhe.Ciphertext, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, p := range points {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ct, err := e.rangeEntry(p, q)
			if err != nil {
				return fmt.Errorf("point %d: %w", p.ID, err)
			}
			enc[i] = ct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return enc, nil
}

// noMatches answers a query whose time window is empty.
func (e *Engine) noMatches(n int) ([]fhe.Ciphertext, error) {
	enc := make([]fhe.Ciphertext, n)
	for i := range enc {
		ct, err := e.ev.Encrypt(model.Sentinel)
		if err != nil {
			return nil, err
		}
		enc[i] = ct
	}
	return enc, nil
}

// rangeEntry compares squared distances so the predicate does not depend on
// the accuracy of Sqrt. The payload is the unscaled squared distance.
func (e *Engine) rangeEntry(p *model.EncryptedPoint, q rangeParams) (fhe.Ciphertext, error) {
	d2, err := e.squaredDistance(p.EncLat, p.EncLon, q.lat, q.lon)
	if err != nil {
		return nil, err
	}
	cmp, err := e.scale.spaceOperand(e.ev, d2)
	if err != nil {
		return nil, err
	}
	inSpace, err := e.ev.Le(cmp, q.radius2)
	if err != nil {
		return nil, err
	}
	ts, err := e.scale.timeOperand(e.ev, p.EncTimestamp)
	if err != nil {
		return nil, err
	}
	afterStart, err := e.ev.Ge(ts, q.start)
	if err != nil {
		return nil, err
	}
	beforeEnd, err := e.ev.Le(ts, q.end)
	if err != nil {
		return nil, err
	}
	inTime, err := e.ev.And(afterStart, beforeEnd)
	if err != nil {
		return nil, err
	}
	match, err := e.ev.And(inSpace, inTime)
	if err != nil {
		return nil, err
	}
	return e.ev.Select(match, d2, q.sentinel)
}

// Distance returns the encrypted planar distance sqrt(dlat² + dlon²). It is
// not a great-circle distance.
func (e *Engine) Distance(aLat, aLon, bLat, bLon fhe.Ciphertext) (fhe.Ciphertext, error) {
	d2, err := e.squaredDistance(aLat, aLon, bLat, bLon)
	if err != nil {
		return nil, err
	}
	return e.ev.Sqrt(d2)
}

func (e *Engine) squaredDistance(aLat, aLon, bLat, bLon fhe.Ciphertext) (fhe.Ciphertext, error) {
	dLat, err := e.ev.Sub(aLat, bLat)
	if err != nil {
		return nil, err
	}
	dLon, err := e.ev.Sub(aLon, bLon)
	if err != nil {
		return nil, err
	}
	sqLat, err := e.ev.Mul(dLat, dLat)
	if err != nil {
		return nil, err
	}
	sqLon, err := e.ev.Mul(dLon, dLon)
	if err != nil {
		return nil, err
	}
	return e.ev.Add(sqLat, sqLon)
}

// candidate is a (squared distance, id) pair in the nearest-neighbor reduction.
type candidate struct {
	d2 fhe.Ciphertext
	id fhe.Ciphertext
}

// NearestNeighbor finds the stored point closest to the target. Both the id
// and the distance stay encrypted; the result is persisted and can be
// revealed like a range result. Ties resolve to the lowest id. With no points
// the result is id 0 at MaxDistance.
//
// Each reduction round costs one comparison depth, so a leveled evaluator
// bounds how many points one query can cover.
func (e *Engine) NearestNeighbor(ctx context.Context, targetLat, targetLon float64) (model.QueryHash, *model.Nearest, error) {
	if !finite(targetLat) || !finite(targetLon) {
		return model.QueryHash{}, nil, fmt.Errorf("%w: target must be finite", errs.ErrInvalidArgument)
	}
	if err := e.scale.checkCoord(targetLat, targetLon); err != nil {
		return model.QueryHash{}, nil, err
	}

	now := e.now().UTC()
	hash := queryHash(model.KindNearest, []float64{targetLat, targetLon}, nil, now, e.seq.Add(1))

	maxID := e.snapshot()
	points, err := e.loadPoints(ctx, e.index.All(maxID))
	if err != nil {
		return hash, nil, err
	}

	leaves, err := e.nearestLeaves(ctx, points, targetLat, targetLon)
	if err != nil {
		return hash, nil, err
	}
	best, err := e.reduceNearest(ctx, leaves)
	if err != nil {
		return hash, nil, fmt.Errorf("nearest-neighbor reduction failed: %w", err)
	}
	d2, err := e.scale.unscaleSquared(e.ev, best.d2)
	if err != nil {
		return hash, nil, fmt.Errorf("nearest-neighbor reduction failed: %w", err)
	}
	dist, err := e.ev.Sqrt(d2)
	if err != nil {
		return hash, nil, fmt.Errorf("nearest-neighbor reduction failed: %w", err)
	}

	nearest := &model.Nearest{EncID: best.id, EncDistance: dist, EncSquaredDistance: d2}
	if err := e.commitResult(ctx, &model.QueryResult{Hash: hash, Kind: model.KindNearest, Nearest: nearest}); err != nil {
		return hash, nil, err
	}
	e.logger.Info("nearest-neighbor query evaluated",
		zap.Stringer("query_hash", hash),
		zap.Int("points", len(points)))
	return hash, nearest, nil
}

// nearestLeaves returns the fold's initial accumulator followed by one
// candidate per point, in id order. Squared distances are scaled for
// comparison.
func (e *Engine) nearestLeaves(ctx context.Context, points []*model.EncryptedPoint, lat, lon float64) ([]candidate, error) {
	maxD2 := e.scale.squared(e.cfg.MaxDistance * e.cfg.MaxDistance)
	consts, err := fhe.EncryptAll(e.ev, lat, lon, maxD2, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt query constants: %w", err)
	}

	leaves := make([]candidate, len(points)+1)
	leaves[0] = candidate{d2: consts[2], id: consts[3]}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, p := range points {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d2, err := e.squaredDistance(p.EncLat, p.EncLon, consts[0], consts[1])
			if err != nil {
				return fmt.Errorf("point %d: %w", p.ID, err)
			}
			if d2, err = e.scale.spaceOperand(e.ev, d2); err != nil {
				return fmt.Errorf("point %d: %w", p.ID, err)
			}
			id, err := e.ev.Encrypt(float64(p.ID))
			if err != nil {
				return fmt.Errorf("point %d: %w", p.ID, err)
			}
			leaves[i+1] = candidate{d2: d2, id: id}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("distance evaluation failed: %w", err)
	}
	return leaves, nil
}

// closer keeps left unless right is strictly closer. Since left always
// precedes right, min-select with this rule is associative and matches a
// sequential fold with strict <.
func (e *Engine) closer(left, right candidate) (candidate, error) {
	isCloser, err := e.ev.Lt(right.d2, left.d2)
	if err != nil {
		return candidate{}, err
	}
	d2, err := e.ev.Select(isCloser, right.d2, left.d2)
	if err != nil {
		return candidate{}, err
	}
	id, err := e.ev.Select(isCloser, right.id, left.id)
	if err != nil {
		return candidate{}, err
	}
	return candidate{d2: d2, id: id}, nil
}

// reduceNearest combines adjacent pairs level by level. Depth is
// ceil(log2(n)) comparisons instead of n.
func (e *Engine) reduceNearest(ctx context.Context, level []candidate) (candidate, error) {
	for len(level) > 1 {
		next := make([]candidate, (len(level)+1)/2)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)
		for i := 0; i+1 < len(level); i += 2 {
			i := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				c, err := e.closer(level[i], level[i+1])
				if err != nil {
					return err
				}
				next[i/2] = c
				return nil
			})
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		if err := g.Wait(); err != nil {
			return candidate{}, err
		}
		level = next
	}
	return level[0], nil
}

// nearestSequential is the linear fold the reduction must agree with.
func (e *Engine) nearestSequential(leaves []candidate) (candidate, error) {
	acc := leaves[0]
	for _, c := range leaves[1:] {
		var err error
		if acc, err = e.closer(acc, c); err != nil {
			return candidate{}, err
		}
	}
	return acc, nil
}

func (e *Engine) loadPoints(ctx context.Context, ids []int64) ([]*model.EncryptedPoint, error) {
	var points []*model.EncryptedPoint
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		points, err = tx.GetPoints(ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load points: %w", err)
	}
	return points, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
