package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe/sealed"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/oracle"
)

const (
	t0 int64 = 1000
	t1 int64 = 2000
	t2 int64 = 3000
)

type fixture struct {
	e       *Engine
	backend *sealed.Backend
	gw      *oracle.Gateway
	signer  *oracle.Signer
	st      store.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	backend, err := sealed.NewRandom()
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return newFixtureWith(t, cfg, backend, store.NewMemoryStore())
}

func newFixtureWith(t *testing.T, cfg Config, backend *sealed.Backend, st store.Store) *fixture {
	t.Helper()
	return newFixtureEval(t, cfg, backend, backend, st)
}

// newFixtureEval evaluates queries with ev while the oracle decrypts with
// backend.
func newFixtureEval(t *testing.T, cfg Config, ev fhe.Evaluator, backend *sealed.Backend, st store.Store) *fixture {
	t.Helper()
	key, err := oracle.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate oracle key: %v", err)
	}
	signer, err := oracle.NewSigner(key)
	if err != nil {
		t.Fatal(err)
	}
	gw, err := oracle.NewGateway(backend, signer, oracle.DefaultGatewayConfig(), nil)
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	e, err := New(context.Background(), cfg, Deps{
		Evaluator: ev,
		Store:     st,
		Requester: gw,
		Verifier:  gw.Verifier(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	gw.SetCallback(e.OnRevealCallback)
	return &fixture{e: e, backend: backend, gw: gw, signer: signer, st: st}
}

func (f *fixture) submit(t *testing.T, lat, lon float64, ts int64, hint *grid.Hint) int64 {
	t.Helper()
	cts, err := fhe.EncryptAll(f.backend, lat, lon, float64(ts))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	id, err := f.e.Submit(context.Background(), cts[0], cts[1], cts[2], hint)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return id
}

func (f *fixture) reveal(t *testing.T, hash model.QueryHash) *model.DecryptedResult {
	t.Helper()
	ctx := context.Background()
	if _, err := f.e.RequestReveal(ctx, hash); err != nil {
		t.Fatalf("RequestReveal failed: %v", err)
	}
	if n, err := f.gw.Process(ctx); err != nil || n != 1 {
		t.Fatalf("oracle Process = %d, %v", n, err)
	}
	d, err := f.e.GetDecrypted(ctx, hash)
	if err != nil {
		t.Fatalf("GetDecrypted failed: %v", err)
	}
	if !d.Revealed {
		t.Fatal("result not revealed")
	}
	return d
}

func (f *fixture) decrypt(t *testing.T, ct fhe.Ciphertext) float64 {
	t.Helper()
	v, err := f.backend.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	return v
}

// submitABC stores A(0,0,t0), B(10,10,t1), C(100,100,t2).
func (f *fixture) submitABC(t *testing.T, hints bool) {
	t.Helper()
	pts := []struct {
		lat, lon float64
		ts       int64
	}{{0, 0, t0}, {10, 10, t1}, {100, 100, t2}}
	for i, p := range pts {
		var h *grid.Hint
		if hints {
			h = &grid.Hint{Lat: p.lat, Lon: p.lon}
		}
		if id := f.submit(t, p.lat, p.lon, p.ts, h); id != int64(i+1) {
			t.Fatalf("point %d got id %d", i+1, id)
		}
	}
}

func matchIDs(d *model.DecryptedResult) []int64 {
	var ids []int64
	for _, m := range d.Matches() {
		ids = append(ids, m.PointID)
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		before, _ := f.e.Stats(ctx)
		id := f.submit(t, float64(want), 0, t0, nil)
		if id != before.Points+1 || id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}

	p, err := f.e.GetPoint(ctx, 3)
	if err != nil {
		t.Fatalf("GetPoint failed: %v", err)
	}
	if got := f.decrypt(t, p.EncLat); got != 3 {
		t.Errorf("point 3 lat = %v", got)
	}
	if p.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not recorded")
	}

	for _, id := range []int64{0, -1, 6} {
		if _, err := f.e.GetPoint(ctx, id); !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("GetPoint(%d): expected ErrNotFound, got %v", id, err)
		}
	}
	if _, err := f.e.Submit(ctx, nil, fhe.Ciphertext{1}, fhe.Ciphertext{1}, nil); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty ciphertext, got %v", err)
	}
}

func TestConcurrentSubmitsAreDense(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	const n = 40

	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cts, err := fhe.EncryptAll(f.backend, 1, 2, 3)
			if err != nil {
				t.Error(err)
				return
			}
			id, err := f.e.Submit(context.Background(), cts[0], cts[1], cts[2], nil)
			if err != nil {
				t.Error(err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	for id := int64(1); id <= n; id++ {
		if !seen[id] {
			t.Errorf("id %d never assigned", id)
		}
	}
}

func TestRangeQueryScenario(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cfg   grid.Config
		hints bool
	}{
		{"no disclosure", grid.DefaultConfig(), false},
		{"coarse disclosure", grid.Config{Disclosure: grid.DisclosureCoarse, CellSize: 10}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Grid = tc.cfg
			f := newFixture(t, cfg)
			f.submitABC(t, tc.hints)

			hash, err := f.e.RangeQuery(context.Background(), 0, 0, 15, t0, t1)
			if err != nil {
				t.Fatalf("RangeQuery failed: %v", err)
			}

			r, err := f.e.GetResult(context.Background(), hash)
			if err != nil {
				t.Fatalf("GetResult failed: %v", err)
			}
			if !r.Complete || len(r.PointIDs) != len(r.EncDistances) {
				t.Fatalf("bad result: complete=%v ids=%d dists=%d", r.Complete, len(r.PointIDs), len(r.EncDistances))
			}

			d := f.reveal(t, hash)
			if got := matchIDs(d); !equalIDs(got, []int64{1, 2}) {
				t.Fatalf("matches = %v, want [1 2]", got)
			}
			m := d.Matches()
			if m[0].Distance != 0 {
				t.Errorf("distance to A = %v, want 0", m[0].Distance)
			}
			if math.Abs(m[1].Distance-math.Sqrt(200)) > 1e-9 {
				t.Errorf("distance to B = %v, want %v", m[1].Distance, math.Sqrt(200))
			}
		})
	}
}

func TestRangeQueryPrunesWithCoarseDisclosure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid = grid.Config{Disclosure: grid.DisclosureCoarse, CellSize: 10}
	f := newFixture(t, cfg)
	f.submitABC(t, true)

	hash, err := f.e.RangeQuery(context.Background(), 0, 0, 15, t0, t2)
	if err != nil {
		t.Fatal(err)
	}
	r, err := f.e.GetResult(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(r.PointIDs, []int64{1, 2}) {
		t.Errorf("candidates = %v, want C pruned", r.PointIDs)
	}
}

func TestRangeQueryTimeWindow(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.submitABC(t, false)

	hash, err := f.e.RangeQuery(context.Background(), 0, 0, 1000, t1, t2)
	if err != nil {
		t.Fatal(err)
	}
	if got := matchIDs(f.reveal(t, hash)); !equalIDs(got, []int64{2, 3}) {
		t.Errorf("matches = %v, want [2 3]", got)
	}

	hash, err = f.e.RangeQuery(context.Background(), 0, 0, 1000, t2+1, t2+10)
	if err != nil {
		t.Fatal(err)
	}
	if got := matchIDs(f.reveal(t, hash)); len(got) != 0 {
		t.Errorf("matches = %v, want none", got)
	}
}

func TestRangeQueryRejectsBadInput(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for _, r := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := f.e.RangeQuery(context.Background(), 0, 0, r, t0, t1); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Errorf("radius %v: expected ErrInvalidArgument, got %v", r, err)
		}
	}
}

func TestRangeQueryOnEmptyStore(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	hash, err := f.e.RangeQuery(context.Background(), 0, 0, 5, t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	if d := f.reveal(t, hash); len(d.Matches()) != 0 {
		t.Errorf("unexpected matches %v", d.Matches())
	}
}

func TestQueryHashesAreDistinct(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a, err := f.e.RangeQuery(context.Background(), 1, 2, 3, t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.e.RangeQuery(context.Background(), 1, 2, 3, t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("identical queries issued twice must get distinct hashes")
	}

	now := time.Unix(0, 42)
	h1 := queryHash(model.KindRange, []float64{1}, nil, now, 1)
	h2 := queryHash(model.KindNearest, []float64{1}, nil, now, 1)
	if h1 == h2 {
		t.Error("kind must be part of the hash")
	}
	if h1 != queryHash(model.KindRange, []float64{1}, nil, now, 1) {
		t.Error("hash must be deterministic")
	}
}

func TestNearestNeighborScenario(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.submit(t, 0, 0, t0, nil)
	f.submit(t, 10, 10, t1, nil)

	hash, nearest, err := f.e.NearestNeighbor(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("NearestNeighbor failed: %v", err)
	}
	if got := f.decrypt(t, nearest.EncID); got != 1 {
		t.Errorf("nearest id = %v, want 1", got)
	}

	d := f.reveal(t, hash)
	m := d.Matches()
	if len(m) != 1 || m[0].PointID != 1 || m[0].Distance != 0 {
		t.Errorf("revealed nearest = %+v, want id 1 at distance 0", m)
	}
	if d.Kind != model.KindNearest {
		t.Errorf("kind = %v", d.Kind)
	}
}

func TestNearestNeighborDeterministic(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for _, c := range [][2]float64{{5, 5}, {-3, 4}, {3, -4}, {9, 0}} {
		f.submit(t, c[0], c[1], t0, nil)
	}
	var first float64
	for i := 0; i < 3; i++ {
		_, nearest, err := f.e.NearestNeighbor(context.Background(), 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		id := f.decrypt(t, nearest.EncID)
		if i == 0 {
			first = id
			continue
		}
		if id != first {
			t.Fatalf("run %d returned %v, first run %v", i, id, first)
		}
	}
	// Points 2 and 3 tie at distance 5; the earlier id wins.
	if first != 2 {
		t.Errorf("nearest = %v, want 2", first)
	}
}

func TestNearestNeighborEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDistance = 500
	f := newFixture(t, cfg)

	hash, nearest, err := f.e.NearestNeighbor(context.Background(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if id := f.decrypt(t, nearest.EncID); id != 0 {
		t.Errorf("empty-set id = %v, want 0", id)
	}
	if dist := f.decrypt(t, nearest.EncDistance); dist != 500 {
		t.Errorf("empty-set distance = %v, want 500", dist)
	}
	if d := f.reveal(t, hash); len(d.Matches()) != 0 {
		t.Errorf("empty-set reveal = %+v", d.Matches())
	}
}

func TestTreeReductionMatchesSequentialFold(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	rng := rand.New(rand.NewSource(11))
	ctx := context.Background()

	for n := 0; n <= 12; n++ {
		points := make([]*model.EncryptedPoint, n)
		plain := make([][2]float64, n)
		for i := range points {
			// Small integer grid so ties are common.
			lat, lon := float64(rng.Intn(5)-2), float64(rng.Intn(5)-2)
			plain[i] = [2]float64{lat, lon}
			cts, err := fhe.EncryptAll(f.backend, lat, lon, 0)
			if err != nil {
				t.Fatal(err)
			}
			points[i] = &model.EncryptedPoint{ID: int64(i + 1), EncLat: cts[0], EncLon: cts[1], EncTimestamp: cts[2]}
		}

		leaves, err := f.e.nearestLeaves(ctx, points, 0.5, 0)
		if err != nil {
			t.Fatal(err)
		}
		tree, err := f.e.reduceNearest(ctx, leaves)
		if err != nil {
			t.Fatal(err)
		}
		seq, err := f.e.nearestSequential(leaves)
		if err != nil {
			t.Fatal(err)
		}

		wantID, wantD2 := 0.0, f.e.cfg.MaxDistance*f.e.cfg.MaxDistance
		for i, p := range plain {
			d2 := (p[0]-0.5)*(p[0]-0.5) + p[1]*p[1]
			if d2 < wantD2 {
				wantID, wantD2 = float64(i+1), d2
			}
		}

		if got := f.decrypt(t, tree.id); got != wantID {
			t.Errorf("n=%d: tree id = %v, want %v", n, got, wantID)
		}
		if got := f.decrypt(t, seq.id); got != wantID {
			t.Errorf("n=%d: sequential id = %v, want %v", n, got, wantID)
		}
		if got := f.decrypt(t, tree.d2); got != wantD2 {
			t.Errorf("n=%d: tree d2 = %v, want %v", n, got, wantD2)
		}
	}
}

func TestDistance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cts, err := fhe.EncryptAll(f.backend, 1, 1, 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	d, err := f.e.Distance(cts[0], cts[1], cts[2], cts[3])
	if err != nil {
		t.Fatal(err)
	}
	if got := f.decrypt(t, d); got != 5 {
		t.Errorf("distance = %v, want 5", got)
	}
}

func TestRebuildIndexFromStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid = grid.Config{Disclosure: grid.DisclosureCoarse, CellSize: 10}
	backend, err := sealed.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()

	first := newFixtureWith(t, cfg, backend, st)
	first.submitABC(t, true)

	second := newFixtureWith(t, cfg, backend, st)
	stats, err := second.e.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Points != 3 || stats.Cells != 3 {
		t.Errorf("stats after rebuild = %+v", stats)
	}
	if id := second.submit(t, 1, 1, t0, &grid.Hint{Lat: 1, Lon: 1}); id != 4 {
		t.Errorf("next id = %d, want 4", id)
	}

	hash, err := second.e.RangeQuery(context.Background(), 0, 0, 15, t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	if got := matchIDs(second.reveal(t, hash)); !equalIDs(got, []int64{1, 2, 4}) {
		t.Errorf("matches after rebuild = %v", got)
	}
}
