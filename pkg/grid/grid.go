// Package grid buckets encrypted points into coarse square cells so range
// queries can skip points that cannot match.
//
// # Disclosure
//
// Ciphertexts cannot be bucketed without learning something about them, so
// the index never looks at ciphertexts. It works from a plaintext coarse hint
// that the submitting client chooses to disclose, quantized to a cell
// immediately (only the cell key is retained). What this leaks is exactly the
// cell each point falls in: anyone who can read the index learns location at
// cell granularity.
//
// The leak is opt-in. With [DisclosureNone] (the default) every point shares
// the unlocated cell, nothing is disclosed and every query scans every point. With
// [DisclosureCoarse] points carry a hint and queries only scan the cells their
// radius footprint touches. Points submitted without a hint go to an
// unlocated cell that every query scans.
//
// Candidate sets are conservative supersets: the homomorphic predicate
// decides the final result, the index only prunes. A hint is the submitter's
// claim; a hint that disagrees with the encrypted coordinates can hide that
// point from queries whose footprint misses the claimed cell.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Disclosure selects how much location information the index may hold.
type Disclosure int

const (
	// DisclosureNone keeps every point in the unlocated cell.
	DisclosureNone Disclosure = iota

	// DisclosureCoarse keeps points in cells of Config.CellSize.
	DisclosureCoarse
)

func (d Disclosure) String() string {
	switch d {
	case DisclosureNone:
		return "none"
	case DisclosureCoarse:
		return "coarse"
	default:
		return fmt.Sprintf("disclosure(%d)", int(d))
	}
}

// ParseDisclosure parses "none" or "coarse".
func ParseDisclosure(s string) (Disclosure, error) {
	switch s {
	case "", "none":
		return DisclosureNone, nil
	case "coarse":
		return DisclosureCoarse, nil
	default:
		return 0, fmt.Errorf("grid: unknown disclosure mode %q", s)
	}
}

// CellKey packs a cell's row and column into one integer.
type CellKey int64

// Unlocated holds points without a coarse hint. It is outside the range of
// packed keys and is scanned by every query.
const Unlocated CellKey = math.MinInt64

// Row returns the latitude index of the cell.
func (k CellKey) Row() int32 { return int32(int64(k) >> 32) }

// Col returns the longitude index of the cell.
func (k CellKey) Col() int32 { return int32(uint32(int64(k))) }

func (k CellKey) String() string {
	if k == Unlocated {
		return "unlocated"
	}
	return fmt.Sprintf("r%d_c%d", k.Row(), k.Col())
}

func pack(row, col int32) CellKey {
	return CellKey(int64(row)<<32 | int64(uint32(col)))
}

// Hint is a plaintext coarse location disclosed by the client.
type Hint struct {
	Lat float64
	Lon float64
}

var (
	// ErrDuplicatePoint is returned when an id is indexed twice.
	ErrDuplicatePoint = errors.New("grid: point already indexed")

	// ErrInvalidRadius is returned for negative or non-finite radii.
	ErrInvalidRadius = errors.New("grid: radius must be finite and non-negative")
)

// Config controls cell geometry.
type Config struct {
	// Disclosure selects the privacy/performance trade. Default: DisclosureNone.
	Disclosure Disclosure

	// CellSize is the side length of a cell in coordinate units.
	// Only used with DisclosureCoarse. Default: 1.0.
	CellSize float64
}

// DefaultConfig returns a configuration that discloses nothing.
func DefaultConfig() Config {
	return Config{Disclosure: DisclosureNone, CellSize: 1.0}
}

// String identifies the cell geometry points were assigned under, e.g.
// "coarse/10". Cell size is omitted under DisclosureNone, where every point
// shares one cell.
func (c Config) String() string {
	if c.Disclosure != DisclosureCoarse {
		return c.Disclosure.String()
	}
	return fmt.Sprintf("%s/%g", c.Disclosure, c.CellSize)
}

// Index maps cells to the ids they contain, in insertion order.
type Index struct {
	cfg   Config
	cells map[CellKey][]int64
	owner map[int64]CellKey
	mu    sync.RWMutex
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.Disclosure == DisclosureCoarse {
		if cfg.CellSize <= 0 || math.IsInf(cfg.CellSize, 0) || math.IsNaN(cfg.CellSize) {
			return nil, fmt.Errorf("grid: CellSize must be positive, got %v", cfg.CellSize)
		}
	} else if cfg.Disclosure != DisclosureNone {
		return nil, fmt.Errorf("grid: unknown disclosure %d", cfg.Disclosure)
	}
	return &Index{
		cfg:   cfg,
		cells: make(map[CellKey][]int64),
		owner: make(map[int64]CellKey),
	}, nil
}

// Config returns the index configuration.
func (ix *Index) Config() Config { return ix.cfg }

// CellOf returns the cell a coordinate falls into. Under DisclosureNone every
// coordinate maps to Unlocated.
func (ix *Index) CellOf(lat, lon float64) CellKey {
	if ix.cfg.Disclosure == DisclosureNone {
		return Unlocated
	}
	return pack(ix.coord(lat), ix.coord(lon))
}

// CellForHint resolves the cell of a point from its optional hint.
func (ix *Index) CellForHint(h *Hint) CellKey {
	if ix.cfg.Disclosure == DisclosureNone || h == nil || !finite(h.Lat) || !finite(h.Lon) {
		return Unlocated
	}
	return ix.CellOf(h.Lat, h.Lon)
}

func (ix *Index) coord(v float64) int32 {
	c := math.Floor(v / ix.cfg.CellSize)
	switch {
	case c > math.MaxInt32:
		return math.MaxInt32
	case c <= math.MinInt32:
		// MinInt32 rows would collide with Unlocated.
		return math.MinInt32 + 1
	}
	return int32(c)
}

// Add places an id into a cell. Ids are never moved or removed. Under
// DisclosureNone the cell is ignored, so an index can be rebuilt from cells
// recorded under another mode.
func (ix *Index) Add(id int64, cell CellKey) error {
	if ix.cfg.Disclosure == DisclosureNone {
		cell = Unlocated
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.owner[id]; ok {
		return fmt.Errorf("%w: id %d in cell %s", ErrDuplicatePoint, id, prev)
	}
	ix.owner[id] = cell
	ix.cells[cell] = append(ix.cells[cell], id)
	return nil
}

// CellFor returns the cell an id was indexed under.
func (ix *Index) CellFor(id int64) (CellKey, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	k, ok := ix.owner[id]
	return k, ok
}

// Candidates returns the ids, ascending, whose cell intersects the square
// footprint of a circle of radius around (lat, lon), plus the unlocated cell.
// Only ids <= maxID are returned, so callers can scan a consistent prefix of
// the append-only point set.
func (ix *Index) Candidates(lat, lon, radius float64, maxID int64) ([]int64, error) {
	if radius < 0 || !finite(radius) || !finite(lat) || !finite(lon) {
		return nil, ErrInvalidRadius
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.cfg.Disclosure == DisclosureNone {
		return ix.collectLocked([]CellKey{Unlocated}, maxID), nil
	}

	rowLo, rowHi := ix.coord(lat-radius), ix.coord(lat+radius)
	colLo, colHi := ix.coord(lon-radius), ix.coord(lon+radius)

	keys := []CellKey{Unlocated}
	rows := int64(rowHi) - int64(rowLo) + 1
	cols := int64(colHi) - int64(colLo) + 1
	if n := int64(len(ix.cells)); rows > n || cols > n || rows*cols > n {
		// Footprint covers more cells than exist: filter the populated ones.
		for k := range ix.cells {
			if k == Unlocated {
				continue
			}
			if k.Row() >= rowLo && k.Row() <= rowHi && k.Col() >= colLo && k.Col() <= colHi {
				keys = append(keys, k)
			}
		}
	} else {
		for r := int64(rowLo); r <= int64(rowHi); r++ {
			for c := int64(colLo); c <= int64(colHi); c++ {
				keys = append(keys, pack(int32(r), int32(c)))
			}
		}
	}
	return ix.collectLocked(keys, maxID), nil
}

// All returns every indexed id <= maxID, ascending.
func (ix *Index) All(maxID int64) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]int64, 0, len(ix.owner))
	for id := range ix.owner {
		if id <= maxID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ix *Index) collectLocked(keys []CellKey, maxID int64) []int64 {
	var out []int64
	for _, k := range keys {
		for _, id := range ix.cells[k] {
			if id <= maxID {
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of indexed ids.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.owner)
}

// CellCount returns the number of populated cells.
func (ix *Index) CellCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.cells)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
