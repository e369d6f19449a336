package engine

import (
	"fmt"
	"math"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

// scaling maps comparison operands into an approximate evaluator's bounds.
// Squared distances are divided by space and timestamps by time, so any two
// values inside the domain differ by at most fhe.Bounds.Compare. The zero
// value passes operands through unchanged.
type scaling struct {
	bounded bool
	domain  model.Domain
	space   float64
	time    float64
}

func newScaling(ev fhe.Evaluator, d model.Domain, maxDistance float64) (scaling, error) {
	b, ok := fhe.BoundsOf(ev)
	if !ok {
		return scaling{}, nil
	}
	if d.MaxCoord <= 0 || !finite(d.MaxCoord) || d.MaxTime <= d.MinTime {
		return scaling{}, fmt.Errorf("engine: an approximate evaluator needs a value domain, got %+v", d)
	}
	if b.Compare <= 0 {
		return scaling{}, fmt.Errorf("engine: evaluator compare bound must be positive, got %v", b.Compare)
	}

	maxD2 := d.MaxSquaredDistance()
	switch {
	case maxD2 > b.Value:
		return scaling{}, fmt.Errorf("engine: squared distances up to %g exceed the evaluator value bound %g", maxD2, b.Value)
	case maxD2 > b.Sqrt:
		return scaling{}, fmt.Errorf("engine: squared distances up to %g exceed the evaluator Sqrt domain %g", maxD2, b.Sqrt)
	case math.Abs(float64(d.MinTime)) > b.Value || math.Abs(float64(d.MaxTime)) > b.Value:
		return scaling{}, fmt.Errorf("engine: time domain [%d, %d] exceeds the evaluator value bound %g", d.MinTime, d.MaxTime, b.Value)
	case maxDistance > math.Sqrt(maxD2):
		return scaling{}, fmt.Errorf("engine: MaxDistance %g exceeds the domain diameter %g", maxDistance, math.Sqrt(maxD2))
	}
	return scaling{
		bounded: true,
		domain:  d,
		space:   maxD2 / b.Compare,
		time:    float64(d.MaxTime-d.MinTime) / b.Compare,
	}, nil
}

// checkCoord refuses query coordinates outside the domain, whose squared
// distances to stored points could exceed the comparison bound.
func (s scaling) checkCoord(lat, lon float64) error {
	if !s.bounded {
		return nil
	}
	if math.Abs(lat) > s.domain.MaxCoord || math.Abs(lon) > s.domain.MaxCoord {
		return fmt.Errorf("%w: (%v, %v) outside coordinate domain ±%v", errs.ErrInvalidArgument, lat, lon, s.domain.MaxCoord)
	}
	return nil
}

// squared returns the comparison constant for a squared distance, clamped to
// the domain diameter.
func (s scaling) squared(d2 float64) float64 {
	if !s.bounded {
		return d2
	}
	return math.Min(d2, s.domain.MaxSquaredDistance()) / s.space
}

// window clamps a time window to the domain and returns its scaled ends. ok
// is false when no timestamp can fall inside it.
func (s scaling) window(start, end int64) (lo, hi float64, ok bool) {
	if start > end {
		return 0, 0, false
	}
	if !s.bounded {
		return float64(start), float64(end), true
	}
	if end < s.domain.MinTime || start > s.domain.MaxTime {
		return 0, 0, false
	}
	start = max(start, s.domain.MinTime)
	end = min(end, s.domain.MaxTime)
	return float64(start) / s.time, float64(end) / s.time, true
}

// spaceOperand scales an encrypted squared distance for comparison.
func (s scaling) spaceOperand(ev fhe.Evaluator, d2 fhe.Ciphertext) (fhe.Ciphertext, error) {
	if !s.bounded {
		return d2, nil
	}
	return ev.Div(d2, s.space)
}

// timeOperand scales an encrypted timestamp for comparison.
func (s scaling) timeOperand(ev fhe.Evaluator, ts fhe.Ciphertext) (fhe.Ciphertext, error) {
	if !s.bounded {
		return ts, nil
	}
	return ev.Div(ts, s.time)
}

// unscaleSquared undoes spaceOperand.
func (s scaling) unscaleSquared(ev fhe.Evaluator, d2 fhe.Ciphertext) (fhe.Ciphertext, error) {
	if !s.bounded {
		return d2, nil
	}
	return ev.Div(d2, 1/s.space)
}
