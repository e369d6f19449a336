package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
)

// MemoryStore keeps everything in process memory. Writes are staged per
// transaction and applied under the lock on commit.
type MemoryStore struct {
	points    []*model.EncryptedPoint // index i holds id i+1
	results   map[model.QueryHash]*model.QueryResult
	decrypted map[model.QueryHash]*model.DecryptedResult
	pending   map[string]*model.PendingRequest
	meta      map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:   make(map[model.QueryHash]*model.QueryResult),
		decrypted: make(map[model.QueryHash]*model.DecryptedResult),
		pending:   make(map[string]*model.PendingRequest),
		meta:      make(map[string]string),
	}
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		writable:  true,
		results:   make(map[model.QueryHash]*model.QueryResult),
		decrypted: make(map[model.QueryHash]*model.DecryptedResult),
		pending:   make(map[string]*model.PendingRequest),
		meta:      make(map[string]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	s        *MemoryStore
	writable bool

	points    []*model.EncryptedPoint
	results   map[model.QueryHash]*model.QueryResult
	decrypted map[model.QueryHash]*model.DecryptedResult
	pending   map[string]*model.PendingRequest
	meta      map[string]string
}

func (tx *memTx) commit() {
	tx.s.points = append(tx.s.points, tx.points...)
	for h, r := range tx.results {
		tx.s.results[h] = r
	}
	for h, d := range tx.decrypted {
		tx.s.decrypted[h] = d
	}
	for id, p := range tx.pending {
		tx.s.pending[id] = p
	}
	for k, v := range tx.meta {
		tx.s.meta[k] = v
	}
}

func (tx *memTx) PointCount() (int64, error) {
	return int64(len(tx.s.points) + len(tx.points)), nil
}

func (tx *memTx) InsertPoint(p *model.EncryptedPoint) error {
	if !tx.writable {
		return ErrReadOnly
	}
	n, _ := tx.PointCount()
	if p.ID != n+1 {
		return fmt.Errorf("store: point id %d out of sequence, next is %d", p.ID, n+1)
	}
	tx.points = append(tx.points, p.Clone())
	return nil
}

func (tx *memTx) point(id int64) (*model.EncryptedPoint, bool) {
	base := int64(len(tx.s.points))
	switch {
	case id < 1:
		return nil, false
	case id <= base:
		return tx.s.points[id-1], true
	case id-base <= int64(len(tx.points)):
		return tx.points[id-base-1], true
	}
	return nil, false
}

func (tx *memTx) GetPoint(id int64) (*model.EncryptedPoint, error) {
	p, ok := tx.point(id)
	if !ok {
		return nil, fmt.Errorf("point %d: %w", id, errs.ErrNotFound)
	}
	return p.Clone(), nil
}

func (tx *memTx) GetPoints(ids []int64) ([]*model.EncryptedPoint, error) {
	out := make([]*model.EncryptedPoint, len(ids))
	for i, id := range ids {
		p, err := tx.GetPoint(id)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (tx *memTx) ListPoints(maxID int64) ([]*model.EncryptedPoint, error) {
	n, _ := tx.PointCount()
	if maxID > n {
		maxID = n
	}
	out := make([]*model.EncryptedPoint, 0, max(maxID, 0))
	for id := int64(1); id <= maxID; id++ {
		p, _ := tx.point(id)
		out = append(out, p.Clone())
	}
	return out, nil
}

func (tx *memTx) PutResult(r *model.QueryResult) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.results[r.Hash] = r.Clone()
	return nil
}

func (tx *memTx) GetResult(h model.QueryHash) (*model.QueryResult, error) {
	r, ok := tx.results[h]
	if !ok {
		r, ok = tx.s.results[h]
	}
	if !ok {
		return nil, fmt.Errorf("result %s: %w", h, errs.ErrNotFound)
	}
	return r.Clone(), nil
}

func (tx *memTx) PutDecrypted(d *model.DecryptedResult) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.decrypted[d.Hash] = d.Clone()
	return nil
}

func (tx *memTx) GetDecrypted(h model.QueryHash) (*model.DecryptedResult, error) {
	d, ok := tx.decrypted[h]
	if !ok {
		d, ok = tx.s.decrypted[h]
	}
	if !ok {
		return nil, fmt.Errorf("decrypted result %s: %w", h, errs.ErrNotFound)
	}
	return d.Clone(), nil
}

func (tx *memTx) PutPending(p *model.PendingRequest) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.pending[p.RequestID] = p.Clone()
	return nil
}

func (tx *memTx) GetPending(requestID string) (*model.PendingRequest, error) {
	p, ok := tx.pending[requestID]
	if !ok {
		p, ok = tx.s.pending[requestID]
	}
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, errs.ErrNotFound)
	}
	return p.Clone(), nil
}

// merged returns every pending request with staged writes applied.
func (tx *memTx) merged() map[string]*model.PendingRequest {
	out := make(map[string]*model.PendingRequest, len(tx.s.pending)+len(tx.pending))
	for id, p := range tx.s.pending {
		out[id] = p
	}
	for id, p := range tx.pending {
		out[id] = p
	}
	return out
}

func (tx *memTx) PendingForQuery(h model.QueryHash) (*model.PendingRequest, error) {
	for _, p := range tx.merged() {
		if p.Hash == h && !p.Consumed {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("pending request for %s: %w", h, errs.ErrNotFound)
}

func (tx *memTx) ListPending(olderThan time.Time) ([]*model.PendingRequest, error) {
	var out []*model.PendingRequest
	for _, p := range tx.merged() {
		if p.Consumed {
			continue
		}
		if !olderThan.IsZero() && !p.RequestedAt.Before(olderThan) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (tx *memTx) GetMeta(key string) (string, error) {
	v, ok := tx.meta[key]
	if !ok {
		v, ok = tx.s.meta[key]
	}
	if !ok {
		return "", fmt.Errorf("meta %q: %w", key, errs.ErrNotFound)
	}
	return v, nil
}

func (tx *memTx) PutMeta(key, value string) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.meta[key] = value
	return nil
}
