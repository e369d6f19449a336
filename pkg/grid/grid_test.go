package grid

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func newIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	ix, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ix
}

func TestCellOf(t *testing.T) {
	ix := newIndex(t, Config{Disclosure: DisclosureCoarse, CellSize: 10})

	tests := []struct {
		lat, lon float64
		row, col int32
	}{
		{0, 0, 0, 0},
		{9.99, 9.99, 0, 0},
		{10, 10, 1, 1},
		{-0.5, 25, -1, 2},
		{-100, -100, -10, -10},
	}
	for _, tt := range tests {
		k := ix.CellOf(tt.lat, tt.lon)
		if k.Row() != tt.row || k.Col() != tt.col {
			t.Errorf("CellOf(%v, %v) = %s, want r%d_c%d", tt.lat, tt.lon, k, tt.row, tt.col)
		}
	}
}

func TestCellOfDisclosureNone(t *testing.T) {
	ix := newIndex(t, DefaultConfig())
	if ix.CellOf(0, 0) != ix.CellOf(1000, -1000) {
		t.Error("DisclosureNone must map every coordinate to one cell")
	}
	if ix.CellForHint(&Hint{Lat: 5, Lon: 5}) != Unlocated {
		t.Error("DisclosureNone must ignore hints")
	}
	if err := ix.Add(1, ix.CellOf(3, 3)); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add(2, 12345); err != nil {
		t.Fatal(err)
	}
	if ix.CellCount() != 1 {
		t.Errorf("CellCount = %d, want 1", ix.CellCount())
	}
}

func TestCellForHint(t *testing.T) {
	ix := newIndex(t, Config{Disclosure: DisclosureCoarse, CellSize: 5})
	if got := ix.CellForHint(nil); got != Unlocated {
		t.Errorf("nil hint = %s, want unlocated", got)
	}
	if got := ix.CellForHint(&Hint{Lat: math.NaN(), Lon: 0}); got != Unlocated {
		t.Errorf("NaN hint = %s, want unlocated", got)
	}
	if got := ix.CellForHint(&Hint{Lat: 7, Lon: 12}); got != ix.CellOf(7, 12) {
		t.Errorf("hint cell = %s, want %s", got, ix.CellOf(7, 12))
	}
	if got := ix.CellOf(-math.MaxFloat64, 0); got == Unlocated {
		t.Error("extreme coordinate collided with the unlocated cell")
	}
}

func TestAddDuplicate(t *testing.T) {
	ix := newIndex(t, DefaultConfig())
	if err := ix.Add(1, 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := ix.Add(1, 0); !errors.Is(err, ErrDuplicatePoint) {
		t.Errorf("expected ErrDuplicatePoint, got %v", err)
	}
	if ix.Len() != 1 {
		t.Errorf("Len = %d, want 1", ix.Len())
	}
}

func TestCandidatesScenario(t *testing.T) {
	ix := newIndex(t, Config{Disclosure: DisclosureCoarse, CellSize: 10})
	points := map[int64]Hint{1: {0, 0}, 2: {10, 10}, 3: {100, 100}}
	for id := int64(1); id <= 3; id++ {
		h := points[id]
		if err := ix.Add(id, ix.CellForHint(&h)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	got, err := ix.Candidates(0, 0, 15, math.MaxInt64)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if want := []int64{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("Candidates = %v, want %v", got, want)
	}
}

func TestCandidatesIncludesUnlocated(t *testing.T) {
	ix := newIndex(t, Config{Disclosure: DisclosureCoarse, CellSize: 1})
	if err := ix.Add(1, ix.CellForHint(nil)); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add(2, ix.CellOf(500, 500)); err != nil {
		t.Fatal(err)
	}
	got, err := ix.Candidates(0, 0, 1, math.MaxInt64)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if want := []int64{1}; !reflect.DeepEqual(got, want) {
		t.Errorf("Candidates = %v, want %v", got, want)
	}
}

func TestCandidatesRespectsMaxID(t *testing.T) {
	ix := newIndex(t, DefaultConfig())
	for id := int64(1); id <= 5; id++ {
		if err := ix.Add(id, 0); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ix.Candidates(0, 0, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("Candidates = %v, want %v", got, want)
	}
	if all := ix.All(4); len(all) != 4 {
		t.Errorf("All(4) returned %d ids", len(all))
	}
}

func TestCandidatesInvalidRadius(t *testing.T) {
	ix := newIndex(t, DefaultConfig())
	for _, r := range []float64{-1, math.Inf(1), math.NaN()} {
		if _, err := ix.Candidates(0, 0, r, 10); !errors.Is(err, ErrInvalidRadius) {
			t.Errorf("radius %v: expected ErrInvalidRadius, got %v", r, err)
		}
	}
}

// Every point within the radius must be a candidate, whatever the cell size.
func TestCandidatesNeverUnderInclude(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, size := range []float64{0.5, 3, 50} {
		ix := newIndex(t, Config{Disclosure: DisclosureCoarse, CellSize: size})
		type pt struct{ lat, lon float64 }
		pts := make(map[int64]pt)
		for id := int64(1); id <= 300; id++ {
			p := pt{rng.Float64()*200 - 100, rng.Float64()*200 - 100}
			pts[id] = p
			if err := ix.Add(id, ix.CellOf(p.lat, p.lon)); err != nil {
				t.Fatal(err)
			}
		}

		for q := 0; q < 20; q++ {
			lat, lon, r := rng.Float64()*200-100, rng.Float64()*200-100, rng.Float64()*40
			got, err := ix.Candidates(lat, lon, r, math.MaxInt64)
			if err != nil {
				t.Fatal(err)
			}
			set := make(map[int64]bool, len(got))
			for _, id := range got {
				set[id] = true
			}
			for id, p := range pts {
				if math.Hypot(p.lat-lat, p.lon-lon) <= r && !set[id] {
					t.Fatalf("cell size %v: point %d within radius missing from candidates", size, id)
				}
			}
		}
	}
}

func TestHugeFootprintUsesPopulatedCells(t *testing.T) {
	ix := newIndex(t, Config{Disclosure: DisclosureCoarse, CellSize: 0.001})
	if err := ix.Add(1, ix.CellOf(10, 10)); err != nil {
		t.Fatal(err)
	}
	got, err := ix.Candidates(0, 0, 1e6, math.MaxInt64)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("Candidates = %v, want [1]", got)
	}
}

func TestParseDisclosure(t *testing.T) {
	if d, err := ParseDisclosure("coarse"); err != nil || d != DisclosureCoarse {
		t.Errorf("ParseDisclosure(coarse) = %v, %v", d, err)
	}
	if _, err := ParseDisclosure("exact"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := New(Config{Disclosure: DisclosureCoarse}); err == nil {
		t.Error("expected error for zero CellSize")
	}
}

func TestConfigString(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{DefaultConfig(), "none"},
		{Config{Disclosure: DisclosureNone, CellSize: 10}, "none"},
		{Config{Disclosure: DisclosureCoarse, CellSize: 10}, "coarse/10"},
		{Config{Disclosure: DisclosureCoarse, CellSize: 2.5}, "coarse/2.5"},
	}
	for _, tt := range tests {
		if got := tt.cfg.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
