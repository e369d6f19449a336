// Package engine implements the encrypted spatiotemporal query engine: an
// append-only point registry, range and nearest-neighbor evaluation over
// ciphertexts, the result store and the oracle reveal protocol.
//
// Every mutation runs as one store transaction under the engine lock, so
// writers are serialized. Queries evaluate outside the lock over a snapshot
// prefix of the point set.
//
// An Engine assumes it is the only writer of its store: point ids are the
// stored count plus one and the grid index lives in process memory. Two
// engines sharing a database would assign the same ids.
//
// With an approximate evaluator (see fhe.Bounded) the engine needs a value
// Domain. Comparison operands are divided into the evaluator's bounds before
// every Lt, Le and Ge, and queries reaching outside the domain are refused.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/oracle"
)

// Config holds engine configuration.
type Config struct {
	// Grid selects cell geometry and disclosure.
	Grid grid.Config

	// Workers bounds concurrent homomorphic evaluations per query.
	Workers int

	// MaxDistance seeds the nearest-neighbor accumulator. Points at or beyond
	// it are never reported as nearest.
	MaxDistance float64

	// Domain bounds stored coordinates and timestamps. Required when the
	// evaluator is approximate, ignored otherwise.
	Domain model.Domain
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Grid:        grid.DefaultConfig(),
		Workers:     runtime.NumCPU(),
		MaxDistance: 1e6,
	}
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Evaluator fhe.Evaluator
	Store     store.Store
	Requester oracle.Requester
	Verifier  oracle.Verifier
	Logger    *zap.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine is the query engine. It never holds a decryption capability.
type Engine struct {
	cfg      Config
	ev       fhe.Evaluator
	store    store.Store
	index    *grid.Index
	oracle   oracle.Requester
	verifier oracle.Verifier
	scale    scaling
	logger   *zap.Logger
	now      func() time.Time
	seq      atomic.Uint64

	mu sync.Mutex
}

// New creates an engine and rebuilds the grid from stored points.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if deps.Evaluator == nil || deps.Store == nil || deps.Requester == nil || deps.Verifier == nil {
		return nil, errors.New("engine: evaluator, store, requester and verifier are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxDistance <= 0 || math.IsInf(cfg.MaxDistance, 0) || math.IsNaN(cfg.MaxDistance) {
		return nil, fmt.Errorf("engine: MaxDistance must be positive, got %v", cfg.MaxDistance)
	}
	index, err := grid.New(cfg.Grid)
	if err != nil {
		return nil, fmt.Errorf("failed to create grid index: %w", err)
	}
	scale, err := newScaling(deps.Evaluator, cfg.Domain, cfg.MaxDistance)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		ev:       deps.Evaluator,
		store:    deps.Store,
		index:    index,
		oracle:   deps.Requester,
		verifier: deps.Verifier,
		scale:    scale,
		logger:   deps.Logger,
		now:      deps.Clock,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}

	if err := e.checkLayout(ctx); err != nil {
		return nil, err
	}
	if err := e.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Meta keys describing what stored ciphertexts and cells depend on.
const (
	metaKey    = "key_fingerprint"
	metaGrid   = "grid"
	metaDomain = "domain"
)

// layout returns the meta entries this engine writes points under.
func (e *Engine) layout() [][2]string {
	var out [][2]string
	if fp, ok := e.ev.(fhe.Fingerprinter); ok {
		out = append(out, [2]string{metaKey, fp.KeyFingerprint()})
	}
	out = append(out, [2]string{metaGrid, e.cfg.Grid.String()})
	if e.scale.bounded {
		out = append(out, [2]string{metaDomain, e.scale.domain.String()})
	}
	return out
}

// checkLayout records the key, grid and domain on first use and refuses to
// open a store holding points written under different ones. A store without
// points takes the current layout.
func (e *Engine) checkLayout(ctx context.Context) error {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		n, err := tx.PointCount()
		if err != nil {
			return err
		}
		for _, kv := range e.layout() {
			got, err := tx.GetMeta(kv[0])
			switch {
			case errors.Is(err, errs.ErrNotFound) || (err == nil && n == 0):
				if err := tx.PutMeta(kv[0], kv[1]); err != nil {
					return err
				}
			case err != nil:
				return err
			case got != kv[1]:
				return fmt.Errorf("%w: %s is %q, stored points were written under %q",
					errs.ErrConfigMismatch, kv[0], kv[1], got)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

func (e *Engine) rebuildIndex(ctx context.Context) error {
	return e.store.View(ctx, func(tx store.Tx) error {
		points, err := tx.ListPoints(math.MaxInt64)
		if err != nil {
			return fmt.Errorf("failed to load points: %w", err)
		}
		for _, p := range points {
			if err := e.index.Add(p.ID, p.Cell); err != nil {
				return fmt.Errorf("failed to index point %d: %w", p.ID, err)
			}
		}
		if len(points) > 0 {
			e.logger.Info("grid index rebuilt",
				zap.Int("points", len(points)),
				zap.Int("cells", e.index.CellCount()))
		}
		return nil
	})
}

// Submit stores an encrypted point and returns its id, which is the previous
// point count plus one. The optional hint is only used under coarse
// disclosure.
func (e *Engine) Submit(ctx context.Context, encLat, encLon, encTimestamp fhe.Ciphertext, hint *grid.Hint) (int64, error) {
	if len(encLat) == 0 || len(encLon) == 0 || len(encTimestamp) == 0 {
		return 0, fmt.Errorf("%w: empty ciphertext", errs.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &model.EncryptedPoint{
		EncLat:       encLat,
		EncLon:       encLon,
		EncTimestamp: encTimestamp,
		Cell:         e.index.CellForHint(hint),
		SubmittedAt:  e.now().UTC(),
	}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		n, err := tx.PointCount()
		if err != nil {
			return err
		}
		p.ID = n + 1
		return tx.InsertPoint(p)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store point: %w", err)
	}

	// Indexed under the lock, so the index never runs ahead of the store.
	if err := e.index.Add(p.ID, p.Cell); err != nil {
		return 0, fmt.Errorf("failed to index point %d: %w", p.ID, err)
	}
	e.logger.Debug("point submitted", zap.Int64("point_id", p.ID), zap.Stringer("cell", p.Cell))
	return p.ID, nil
}

// GetPoint returns a stored point.
func (e *Engine) GetPoint(ctx context.Context, id int64) (*model.EncryptedPoint, error) {
	var p *model.EncryptedPoint
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetPoint(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Stats returns point, cell and pending-request counts.
func (e *Engine) Stats(ctx context.Context) (model.Stats, error) {
	pending, err := e.ListPending(ctx, time.Time{})
	if err != nil {
		return model.Stats{}, err
	}
	return model.Stats{
		Points:  int64(e.index.Len()),
		Cells:   e.index.CellCount(),
		Pending: len(pending),
	}, nil
}

// EvaluationKeys returns what a remote client needs to encrypt points: the
// scheme's public keys, if it has any, and the value domain.
func (e *Engine) EvaluationKeys(context.Context) (*model.EvaluationKeys, error) {
	keys := &model.EvaluationKeys{}
	if b, ok := e.ev.(fhe.Backend); ok {
		keys.Scheme = b.Name()
	}
	if fp, ok := e.ev.(fhe.Fingerprinter); ok {
		keys.Fingerprint = fp.KeyFingerprint()
	}
	if x, ok := e.ev.(fhe.KeyExporter); ok {
		var err error
		if keys.PublicKey, err = x.PublicKeyBytes(); err != nil {
			return nil, err
		}
		if keys.RelinKey, err = x.RelinKeyBytes(); err != nil {
			return nil, err
		}
	}
	if e.scale.bounded {
		d := e.scale.domain
		keys.Domain = &d
	}
	return keys, nil
}

// Disclosure reports the grid disclosure mode callers are subject to.
func (e *Engine) Disclosure() grid.Disclosure {
	return e.cfg.Grid.Disclosure
}

// snapshot returns the highest id that is both committed and indexed.
// Ids are dense, so the index size is that id.
func (e *Engine) snapshot() int64 {
	return int64(e.index.Len())
}
