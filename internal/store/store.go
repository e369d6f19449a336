// Package store provides transactional persistence for points, query results
// and oracle requests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
)

// ErrReadOnly is returned by write methods inside View.
var ErrReadOnly = errors.New("store: write in read-only transaction")

// Store runs atomic transactions. A failed Update leaves no trace.
type Store interface {
	// Update runs fn in a read-write transaction, committing if fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Close releases resources.
	Close() error
}

// Tx is the set of operations available inside a transaction. Lookups of
// missing rows return errs.ErrNotFound.
type Tx interface {
	// PointCount returns the number of stored points, which is also the highest id.
	PointCount() (int64, error)
	InsertPoint(p *model.EncryptedPoint) error
	GetPoint(id int64) (*model.EncryptedPoint, error)

	// GetPoints returns points in the order of ids.
	GetPoints(ids []int64) ([]*model.EncryptedPoint, error)

	// ListPoints returns every point with id <= maxID, ascending.
	ListPoints(maxID int64) ([]*model.EncryptedPoint, error)

	PutResult(r *model.QueryResult) error
	GetResult(h model.QueryHash) (*model.QueryResult, error)

	PutDecrypted(d *model.DecryptedResult) error
	GetDecrypted(h model.QueryHash) (*model.DecryptedResult, error)

	// PutPending inserts or replaces a request by id.
	PutPending(p *model.PendingRequest) error
	GetPending(requestID string) (*model.PendingRequest, error)

	// PendingForQuery returns the unconsumed request for h, if any.
	PendingForQuery(h model.QueryHash) (*model.PendingRequest, error)

	// ListPending returns unconsumed requests issued before olderThan,
	// oldest first. A zero olderThan lists all of them.
	ListPending(olderThan time.Time) ([]*model.PendingRequest, error)

	// GetMeta returns a store-wide setting.
	GetMeta(key string) (string, error)

	// PutMeta inserts or replaces a store-wide setting.
	PutMeta(key, value string) error
}
