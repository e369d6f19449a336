package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe/sealed"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

// boundedSealed behaves like an approximate evaluator: it advertises bounds
// and records every comparison whose operands differ by more than Compare.
type boundedSealed struct {
	*sealed.Backend
	bounds fhe.Bounds

	mu        sync.Mutex
	compared  int
	violation []float64
}

func newBoundedSealed(t *testing.T) *boundedSealed {
	t.Helper()
	b, err := sealed.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	return &boundedSealed{
		Backend: b,
		bounds:  fhe.Bounds{Compare: 1, Resolution: 1.0 / 128, Sqrt: 1 << 17, Value: 1 << 18},
	}
}

func (b *boundedSealed) Bounds() fhe.Bounds { return b.bounds }

func (b *boundedSealed) check(x, y fhe.Ciphertext) {
	p, err := b.Decrypt(x)
	if err != nil {
		return
	}
	q, err := b.Decrypt(y)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compared++
	if math.Abs(p-q) > b.bounds.Compare {
		b.violation = append(b.violation, p-q)
	}
}

func (b *boundedSealed) Lt(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	b.check(x, y)
	return b.Backend.Lt(x, y)
}

func (b *boundedSealed) Le(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	b.check(x, y)
	return b.Backend.Le(x, y)
}

func (b *boundedSealed) Ge(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	b.check(x, y)
	return b.Backend.Ge(x, y)
}

func (b *boundedSealed) assertInBounds(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.compared == 0 {
		t.Fatal("no comparisons were evaluated")
	}
	if len(b.violation) > 0 {
		t.Errorf("%d of %d comparisons exceeded the bound, differences %v", len(b.violation), b.compared, b.violation)
	}
}

var testDomain = model.Domain{MaxCoord: 128, MinTime: 0, MaxTime: 4096}

func boundedConfig() Config {
	cfg := DefaultConfig()
	cfg.Domain = testDomain
	cfg.MaxDistance = 300
	return cfg
}

func newBoundedFixture(t *testing.T) (*fixture, *boundedSealed) {
	t.Helper()
	ev := newBoundedSealed(t)
	return newFixtureEval(t, boundedConfig(), ev, ev.Backend, store.NewMemoryStore()), ev
}

func TestNewScalingValidation(t *testing.T) {
	ev := newBoundedSealed(t)
	tests := []struct {
		name        string
		domain      model.Domain
		maxDistance float64
	}{
		{"missing domain", model.Domain{}, 300},
		{"empty time range", model.Domain{MaxCoord: 128, MinTime: 10, MaxTime: 10}, 300},
		{"diameter over value bound", model.Domain{MaxCoord: 1024, MaxTime: 10}, 300},
		{"time over value bound", model.Domain{MaxCoord: 128, MaxTime: 1 << 20}, 300},
		{"max distance over diameter", testDomain, 1e6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newScaling(ev, tt.domain, tt.maxDistance); err == nil {
				t.Error("expected error")
			}
		})
	}

	narrow := newBoundedSealed(t)
	narrow.bounds.Sqrt = 1 << 10
	if _, err := newScaling(narrow, testDomain, 300); err == nil {
		t.Error("expected error when squared distances exceed the Sqrt domain")
	}

	plain, err := sealed.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	s, err := newScaling(plain, model.Domain{}, 1e6)
	if err != nil || s.bounded {
		t.Errorf("exact evaluator: scaling = %+v, %v", s, err)
	}
}

func TestScalingWindow(t *testing.T) {
	s, err := newScaling(newBoundedSealed(t), testDomain, 300)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		start, end int64
		lo, hi     float64
		ok         bool
	}{
		{1000, 2000, 1000.0 / 4096, 2000.0 / 4096, true},
		{-50, 9000, 0, 1, true},
		{2000, 1000, 0, 0, false},
		{5000, 6000, 0, 0, false},
		{-10, -1, 0, 0, false},
	}
	for _, tt := range tests {
		lo, hi, ok := s.window(tt.start, tt.end)
		if ok != tt.ok || lo != tt.lo || hi != tt.hi {
			t.Errorf("window(%d, %d) = %v, %v, %v; want %v, %v, %v",
				tt.start, tt.end, lo, hi, ok, tt.lo, tt.hi, tt.ok)
		}
	}
	if got := s.squared(1e9); got != 1 {
		t.Errorf("squared clamps to the diameter: got %v, want 1", got)
	}
}

func TestBoundedRangeQuery(t *testing.T) {
	f, ev := newBoundedFixture(t)
	ctx := context.Background()
	f.submitABC(t, false)

	hash, err := f.e.RangeQuery(ctx, 0, 0, 15, t0, t1)
	if err != nil {
		t.Fatalf("RangeQuery failed: %v", err)
	}
	d := f.reveal(t, hash)
	if got := matchIDs(d); !equalIDs(got, []int64{1, 2}) {
		t.Fatalf("matches = %v, want [1 2]", got)
	}
	if m := d.Matches(); math.Abs(m[1].Distance-math.Sqrt(200)) > 1e-9 {
		t.Errorf("distance to B = %v, want %v", m[1].Distance, math.Sqrt(200))
	}

	// A radius beyond the domain diameter is clamped and matches everything.
	hash, err = f.e.RangeQuery(ctx, 0, 0, 1e6, t0, t2)
	if err != nil {
		t.Fatal(err)
	}
	if got := matchIDs(f.reveal(t, hash)); !equalIDs(got, []int64{1, 2, 3}) {
		t.Errorf("clamped radius matches = %v, want [1 2 3]", got)
	}
	ev.assertInBounds(t)
}

func TestBoundedRangeQueryEmptyWindow(t *testing.T) {
	f, _ := newBoundedFixture(t)
	ctx := context.Background()
	f.submitABC(t, false)

	for _, w := range [][2]int64{{t1, t0}, {5000, 6000}} {
		hash, err := f.e.RangeQuery(ctx, 0, 0, 15, w[0], w[1])
		if err != nil {
			t.Fatalf("window %v: %v", w, err)
		}
		r, err := f.e.GetResult(ctx, hash)
		if err != nil {
			t.Fatal(err)
		}
		if len(r.EncDistances) != 3 {
			t.Errorf("window %v: %d entries, want one per candidate", w, len(r.EncDistances))
		}
		if got := matchIDs(f.reveal(t, hash)); len(got) != 0 {
			t.Errorf("window %v: matches = %v, want none", w, got)
		}
	}
}

func TestBoundedQueryOutsideDomain(t *testing.T) {
	f, _ := newBoundedFixture(t)
	ctx := context.Background()
	if _, err := f.e.RangeQuery(ctx, 200, 0, 15, t0, t1); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("range: expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := f.e.NearestNeighbor(ctx, 0, -129); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("nearest: expected ErrInvalidArgument, got %v", err)
	}
}

func TestBoundedNearestNeighbor(t *testing.T) {
	f, ev := newBoundedFixture(t)
	ctx := context.Background()
	f.submit(t, 30, 40, t0, nil)
	f.submit(t, 3, 4, t1, nil)
	f.submit(t, 100, 100, t2, nil)

	hash, nn, err := f.e.NearestNeighbor(ctx, 0, 0)
	if err != nil {
		t.Fatalf("NearestNeighbor failed: %v", err)
	}
	if got := f.decrypt(t, nn.EncID); got != 2 {
		t.Errorf("nearest id = %v, want 2", got)
	}
	if got := f.decrypt(t, nn.EncSquaredDistance); math.Abs(got-25) > 1e-9 {
		t.Errorf("squared distance = %v, want 25", got)
	}
	m := f.reveal(t, hash).Matches()
	if len(m) != 1 || m[0].PointID != 2 || math.Abs(m[0].Distance-5) > 1e-9 {
		t.Errorf("revealed = %+v", m)
	}
	ev.assertInBounds(t)
}

func TestBoundedEngineRequiresDomain(t *testing.T) {
	ev := newBoundedSealed(t)
	cfg := DefaultConfig()
	_, err := New(context.Background(), cfg, Deps{
		Evaluator: ev,
		Store:     store.NewMemoryStore(),
		Requester: nopRequester{},
		Verifier:  nopVerifier{},
	})
	if err == nil {
		t.Fatal("expected error without a domain")
	}
}

func TestLayoutMismatch(t *testing.T) {
	ctx := context.Background()
	backend, err := sealed.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	coarse := DefaultConfig()
	coarse.Grid = grid.Config{Disclosure: grid.DisclosureCoarse, CellSize: 10}
	f := newFixtureWith(t, coarse, backend, st)
	f.submitABC(t, true)

	open := func(cfg Config, ev fhe.Evaluator) error {
		_, err := New(ctx, cfg, Deps{Evaluator: ev, Store: st, Requester: nopRequester{}, Verifier: nopVerifier{}})
		return err
	}

	if err := open(coarse, backend); err != nil {
		t.Fatalf("reopen with the same layout: %v", err)
	}

	other := coarse
	other.Grid.CellSize = 5
	if err := open(other, backend); !errors.Is(err, errs.ErrConfigMismatch) {
		t.Errorf("different cell size: expected ErrConfigMismatch, got %v", err)
	}
	if err := open(DefaultConfig(), backend); !errors.Is(err, errs.ErrConfigMismatch) {
		t.Errorf("different disclosure: expected ErrConfigMismatch, got %v", err)
	}

	otherKey, err := sealed.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	if err := open(coarse, otherKey); !errors.Is(err, errs.ErrConfigMismatch) {
		t.Errorf("different key: expected ErrConfigMismatch, got %v", err)
	}
}

func TestLayoutOfEmptyStoreIsReplaced(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	newFixtureWith(t, DefaultConfig(), mustSealed(t), st)

	coarse := DefaultConfig()
	coarse.Grid = grid.Config{Disclosure: grid.DisclosureCoarse, CellSize: 10}
	f := newFixtureWith(t, coarse, mustSealed(t), st)

	err := st.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetMeta(metaGrid)
		if err != nil {
			return err
		}
		if got != coarse.Grid.String() {
			t.Errorf("stored grid = %q, want %q", got, coarse.Grid.String())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.e.Disclosure() != grid.DisclosureCoarse {
		t.Errorf("disclosure = %v", f.e.Disclosure())
	}
}

func TestEvaluationKeys(t *testing.T) {
	f, ev := newBoundedFixture(t)
	keys, err := f.e.EvaluationKeys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if keys.Scheme != "sealed" || keys.Fingerprint != ev.KeyFingerprint() {
		t.Errorf("keys = %+v", keys)
	}
	if keys.Domain == nil || *keys.Domain != testDomain {
		t.Errorf("domain = %v, want %v", keys.Domain, testDomain)
	}
	if len(keys.PublicKey) != 0 {
		t.Errorf("sealed scheme exported a public key")
	}
}

func mustSealed(t *testing.T) *sealed.Backend {
	t.Helper()
	b, err := sealed.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type nopRequester struct{}

func (nopRequester) Request(context.Context, []fhe.Ciphertext) (string, error) {
	return "", errors.New("not available")
}

type nopVerifier struct{}

func (nopVerifier) Verify(string, []fhe.Ciphertext, []byte, []byte) error {
	return errors.New("not available")
}
