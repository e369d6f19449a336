// Package model defines domain entities shared by the engine, stores and transport.
package model

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

// Sentinel is the value a range result carries for a candidate that did not match.
const Sentinel = -1.0

// matchThreshold separates revealed distances (>= 0) from Sentinel, with room
// for approximate schemes.
const matchThreshold = -0.5

// EncryptedPoint is an immutable submitted point.
type EncryptedPoint struct {
	ID           int64          // id = previous count + 1
	EncLat       fhe.Ciphertext // opaque
	EncLon       fhe.Ciphertext // opaque
	EncTimestamp fhe.Ciphertext // opaque
	Cell         grid.CellKey   // cell assigned at submission
	SubmittedAt  time.Time      // audit only, never used in query logic
}

// QueryHash identifies a query.
type QueryHash [32]byte

// String returns the 0x-prefixed hex form.
func (h QueryHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is unset.
func (h QueryHash) IsZero() bool { return h == QueryHash{} }

// ParseQueryHash parses the form produced by String. The 0x prefix is optional.
func ParseQueryHash(s string) (QueryHash, error) {
	var h QueryHash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid query hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid query hash: %d bytes", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// QueryKind distinguishes range and nearest-neighbor results.
type QueryKind uint8

const (
	// KindRange is a range query over space and time. Its entries are squared
	// distances or Sentinel.
	KindRange QueryKind = 1
	// KindNearest is a nearest-neighbor query.
	KindNearest QueryKind = 2
	// KindStored is a range-shaped result supplied through StoreResult. Its
	// entries are distances or Sentinel, revealed as given.
	KindStored QueryKind = 3
)

func (k QueryKind) String() string {
	switch k {
	case KindRange:
		return "range"
	case KindNearest:
		return "nearest"
	case KindStored:
		return "stored"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Nearest is the encrypted answer of a nearest-neighbor query. EncDistance is
// Sqrt of EncSquaredDistance, as accurate as the scheme's Sqrt; reveals
// decrypt the squared distance and take the root in plaintext.
type Nearest struct {
	EncID              fhe.Ciphertext
	EncDistance        fhe.Ciphertext
	EncSquaredDistance fhe.Ciphertext
}

// QueryResult is the encrypted result of a query.
// Invariant: len(PointIDs) == len(EncDistances).
type QueryResult struct {
	Hash         QueryHash
	Kind         QueryKind
	PointIDs     []int64
	EncDistances []fhe.Ciphertext
	Nearest      *Nearest // set for KindNearest
	Complete     bool
	CreatedAt    time.Time
}

// RevealBatch returns the ordered ciphertexts an oracle must decrypt.
func (r *QueryResult) RevealBatch() []fhe.Ciphertext {
	if r.Nearest != nil {
		return []fhe.Ciphertext{r.Nearest.EncID, r.Nearest.EncSquaredDistance}
	}
	return r.EncDistances
}

// DecryptedResult is the plaintext counterpart of a QueryResult.
// Revealed goes from false to true at most once.
type DecryptedResult struct {
	Hash       QueryHash
	Kind       QueryKind
	PointIDs   []int64
	Distances  []float64
	Revealed   bool
	RevealedAt time.Time
}

// DistanceFromSquared turns a revealed squared distance back into a distance.
// Values below the match threshold stay Sentinel; small negative values left
// by approximate schemes clamp to zero.
func DistanceFromSquared(v float64) float64 {
	if v < matchThreshold {
		return Sentinel
	}
	return math.Sqrt(math.Max(v, 0))
}

// Match is a revealed point and its distance from the query center.
type Match struct {
	PointID  int64
	Distance float64
}

// Matches returns the entries that satisfied the query, in id order. For a
// range query these are the candidates whose revealed value is not Sentinel.
func (d *DecryptedResult) Matches() []Match {
	if !d.Revealed {
		return nil
	}
	var out []Match
	for i, id := range d.PointIDs {
		if i >= len(d.Distances) || d.Distances[i] < matchThreshold {
			continue
		}
		out = append(out, Match{PointID: id, Distance: d.Distances[i]})
	}
	return out
}

// PendingRequest records an outstanding oracle request. Entries are marked
// consumed, never deleted.
type PendingRequest struct {
	RequestID   string
	Hash        QueryHash
	Kind        QueryKind
	Batch       []fhe.Ciphertext // snapshot sent to the oracle
	PointIDs    []int64          // snapshot of the result's ids
	RequestedAt time.Time
	Consumed    bool
	ConsumedAt  time.Time
}

// EvaluationKeys is what a remote client needs to encrypt points for this
// engine. Public-key schemes fill PublicKey and RelinKey; the sealed scheme
// has none and clients must hold the shared key.
type EvaluationKeys struct {
	Scheme      string
	Fingerprint string
	PublicKey   []byte
	RelinKey    []byte
	Domain      *Domain // nil when the evaluator is exact
}

// Domain is the value range points and queries must stay within when the
// evaluator is approximate. Coordinates lie in [-MaxCoord, MaxCoord] and
// timestamps in [MinTime, MaxTime].
type Domain struct {
	MaxCoord float64
	MinTime  int64
	MaxTime  int64
}

// IsZero reports whether d is unset.
func (d Domain) IsZero() bool { return d == Domain{} }

// MaxSquaredDistance is the largest squared distance between two points
// inside the domain.
func (d Domain) MaxSquaredDistance() float64 {
	return 8 * d.MaxCoord * d.MaxCoord
}

// Contains reports whether a point lies inside the domain.
func (d Domain) Contains(lat, lon float64, ts int64) bool {
	return math.Abs(lat) <= d.MaxCoord && math.Abs(lon) <= d.MaxCoord &&
		ts >= d.MinTime && ts <= d.MaxTime
}

// String encodes the domain for storage, e.g. "128/0/4096".
func (d Domain) String() string {
	return fmt.Sprintf("%g/%d/%d", d.MaxCoord, d.MinTime, d.MaxTime)
}

// Stats summarizes engine state.
type Stats struct {
	Points  int64
	Cells   int
	Pending int
}

// Clone returns a deep copy.
func (p *EncryptedPoint) Clone() *EncryptedPoint {
	c := *p
	c.EncLat = p.EncLat.Clone()
	c.EncLon = p.EncLon.Clone()
	c.EncTimestamp = p.EncTimestamp.Clone()
	return &c
}

// Clone returns a deep copy.
func (r *QueryResult) Clone() *QueryResult {
	c := *r
	c.PointIDs = append([]int64(nil), r.PointIDs...)
	c.EncDistances = cloneBatch(r.EncDistances)
	if r.Nearest != nil {
		c.Nearest = &Nearest{
			EncID:              r.Nearest.EncID.Clone(),
			EncDistance:        r.Nearest.EncDistance.Clone(),
			EncSquaredDistance: r.Nearest.EncSquaredDistance.Clone(),
		}
	}
	return &c
}

// Clone returns a deep copy.
func (d *DecryptedResult) Clone() *DecryptedResult {
	c := *d
	c.PointIDs = append([]int64(nil), d.PointIDs...)
	c.Distances = append([]float64(nil), d.Distances...)
	return &c
}

// Clone returns a deep copy.
func (p *PendingRequest) Clone() *PendingRequest {
	c := *p
	c.Batch = cloneBatch(p.Batch)
	c.PointIDs = append([]int64(nil), p.PointIDs...)
	return &c
}

func cloneBatch(b []fhe.Ciphertext) []fhe.Ciphertext {
	if b == nil {
		return nil
	}
	out := make([]fhe.Ciphertext, len(b))
	for i, ct := range b {
		out[i] = ct.Clone()
	}
	return out
}
