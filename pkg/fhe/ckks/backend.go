package ckks

import (
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

var errLevel = fhe.ErrLevelExhausted

// Coefficients of the steep odd step x*(alpha - beta*x^2) used before the
// flattening steps x*(3 - x^2)/2.
const (
	steepAlpha = 2126.0 / 1024.0
	steepBeta  = 1359.0 / 1024.0
	flatAlpha  = 1.5
	flatBeta   = 0.5
)

// Backend implements fhe.Backend on CKKS ciphertexts.
type Backend struct {
	cfg    Config
	params hefloat.Parameters
	keys   keys
	pool   *pool
	cache  *ciphertextCache

	// sqrtCoeffs approximate sqrt(s) as sum c[i]*(s/SqrtDomain)^i.
	sqrtCoeffs []float64

	fingerprint string
}

var (
	_ fhe.Backend       = (*Backend)(nil)
	_ fhe.Bounded       = (*Backend)(nil)
	_ fhe.Fingerprinter = (*Backend)(nil)
	_ fhe.KeyExporter   = (*Backend)(nil)
)

// NewBackend generates a fresh key set and returns a backend that can both
// evaluate and decrypt. In a split deployment the decrypting side belongs to
// the oracle only; see NewEvaluationBackend.
func NewBackend(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	params, err := NewParameters(cfg)
	if err != nil {
		return nil, err
	}
	return newBackend(cfg, params, generateKeys(params))
}

// NewEvaluationBackend builds a backend without the secret key from a
// serialized public key and relinearization key. Decrypt fails on it.
func NewEvaluationBackend(cfg Config, publicKey, relinKey []byte) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	params, err := NewParameters(cfg)
	if err != nil {
		return nil, err
	}
	k, err := readKeys(params, publicKey, relinKey)
	if err != nil {
		return nil, err
	}
	return newBackend(cfg, params, k)
}

func newBackend(cfg Config, params hefloat.Parameters, k keys) (*Backend, error) {
	fp, err := k.fingerprint()
	if err != nil {
		return nil, err
	}
	coeffs := fitSqrt(cfg.SqrtDegree, cfg.SqrtFloor/cfg.SqrtDomain)
	root := math.Sqrt(cfg.SqrtDomain)
	for i := range coeffs {
		coeffs[i] *= root
	}
	return &Backend{
		cfg:         cfg,
		params:      params,
		keys:        k,
		pool:        newPool(params, k, cfg.PoolSize),
		cache:       newCiphertextCache(cfg.CacheSize),
		sqrtCoeffs:  coeffs,
		fingerprint: fp,
	}, nil
}

// Name implements fhe.Backend.
func (b *Backend) Name() string { return "ckks" }

// Bounds implements fhe.Bounded.
func (b *Backend) Bounds() fhe.Bounds {
	return fhe.Bounds{
		Compare:    b.cfg.CompareBound - b.cfg.CompareMargin,
		Resolution: 2 * b.cfg.CompareMargin,
		Sqrt:       b.cfg.SqrtDomain,
		Value:      b.cfg.ValueBound,
	}
}

// KeyFingerprint identifies the public key, and so every ciphertext
// encrypted under it.
func (b *Backend) KeyFingerprint() string { return b.fingerprint }

// Params returns the CKKS parameters.
func (b *Backend) Params() hefloat.Parameters { return b.params }

// MaxLevel is the level of a freshly encrypted ciphertext.
func (b *Backend) MaxLevel() int { return b.params.MaxLevel() }

// PoolSize returns the number of evaluators.
func (b *Backend) PoolSize() int { return b.pool.size() }

// CacheStats reports the ciphertext cache size and hit/miss counters.
func (b *Backend) CacheStats() (size int, hits, misses int64) { return b.cache.stats() }

// PublicKeyBytes returns the serialized public key.
func (b *Backend) PublicKeyBytes() ([]byte, error) {
	out, err := b.keys.pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	return out, nil
}

// RelinKeyBytes returns the serialized relinearization key.
func (b *Backend) RelinKeyBytes() ([]byte, error) {
	out, err := b.keys.rlk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize relinearization key: %w", err)
	}
	return out, nil
}

// Level reports the remaining level of a serialized ciphertext.
func (b *Backend) Level(ct fhe.Ciphertext) (int, error) {
	c, err := b.load(ct)
	if err != nil {
		return 0, err
	}
	return c.Level(), nil
}

func (b *Backend) load(data fhe.Ciphertext) (*rlwe.Ciphertext, error) {
	if len(data) == 0 {
		return nil, fhe.ErrInvalidCiphertext
	}
	ct, key, ok := b.cache.get(data)
	if ok {
		return ct, nil
	}
	ct, err := deserialize(b.params, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fhe.ErrInvalidCiphertext, err)
	}
	b.cache.put(key, ct)
	return ct, nil
}

// run evaluates fn on a pooled worker and serializes the result. Lattigo
// panics on malformed operands; those become errors here.
func (b *Backend) run(fn func(w *worker) (*rlwe.Ciphertext, error)) (out fhe.Ciphertext, err error) {
	w := b.pool.acquire()
	defer b.pool.release(w)
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("ckks: evaluation failed: %v", r)
		}
	}()

	ct, err := fn(w)
	if err != nil {
		return nil, err
	}
	return serialize(ct)
}

func (b *Backend) load2(x, y fhe.Ciphertext) (*rlwe.Ciphertext, *rlwe.Ciphertext, error) {
	a, err := b.load(x)
	if err != nil {
		return nil, nil, err
	}
	c, err := b.load(y)
	if err != nil {
		return nil, nil, err
	}
	return a, c, nil
}

// Encrypt implements fhe.Evaluator.
func (b *Backend) Encrypt(v float64) (fhe.Ciphertext, error) {
	if math.IsNaN(v) || math.Abs(v) > b.cfg.ValueBound {
		return nil, fmt.Errorf("ckks: value %v outside [-%v, %v]", v, b.cfg.ValueBound, b.cfg.ValueBound)
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) {
		return w.encrypt(v)
	})
}

// Decrypt implements fhe.Decrypter.
func (b *Backend) Decrypt(ct fhe.Ciphertext) (v float64, err error) {
	if b.keys.sk == nil {
		return 0, fhe.ErrNoSecretKey
	}
	c, err := b.load(ct)
	if err != nil {
		return 0, err
	}

	w := b.pool.acquire()
	defer b.pool.release(w)
	defer func() {
		if r := recover(); r != nil {
			v, err = 0, fmt.Errorf("ckks: decryption failed: %v", r)
		}
	}()
	return w.decrypt(c)
}

func (b *Backend) Add(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	a, c, err := b.load2(x, y)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) { return w.add(a, c) })
}

func (b *Backend) Sub(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	a, c, err := b.load2(x, y)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) { return w.sub(a, c) })
}

func (b *Backend) Mul(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	a, c, err := b.load2(x, y)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) { return w.mul(a, c) })
}

// Div multiplies by the plaintext inverse of divisor.
func (b *Backend) Div(x fhe.Ciphertext, divisor float64) (fhe.Ciphertext, error) {
	if divisor == 0 {
		return nil, fhe.ErrDivisionByZero
	}
	a, err := b.load(x)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) { return w.mulConst(a, 1/divisor) })
}

// Sqrt is accurate on [SqrtFloor, SqrtDomain]. With the default floor of zero
// the absolute error is about 0.045*sqrt(SqrtDomain), largest near zero.
func (b *Backend) Sqrt(x fhe.Ciphertext) (fhe.Ciphertext, error) {
	a, err := b.load(x)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) { return b.sqrt(w, a) })
}

func (b *Backend) sqrt(w *worker, a *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	t, err := w.mulConst(a, 1/b.cfg.SqrtDomain)
	if err != nil {
		return nil, err
	}

	degree := len(b.sqrtCoeffs) - 1
	pows := make([]*rlwe.Ciphertext, degree+1)
	pows[1] = t
	for i := 2; i <= degree; i++ {
		if pows[i], err = w.mul(pows[i/2], pows[i-i/2]); err != nil {
			return nil, err
		}
	}

	var acc *rlwe.Ciphertext
	for i := 1; i <= degree; i++ {
		term, err := w.mulConst(pows[i], b.sqrtCoeffs[i])
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = term
			continue
		}
		if acc, err = w.add(acc, term); err != nil {
			return nil, err
		}
	}
	return w.addConst(acc, b.sqrtCoeffs[0])
}

// positive returns an encryption of 1 where d > 0 and 0 where d < 0. The final
// (x+1)/2 is folded into the last odd step.
func (b *Backend) positive(w *worker, d *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	x := d
	var err error
	if b.cfg.CompareBound != 1 {
		if x, err = w.mulConst(d, 1/b.cfg.CompareBound); err != nil {
			return nil, err
		}
	}

	steps := b.cfg.SignIterations + b.cfg.RefineIterations
	if steps == 0 {
		if x, err = w.mulConst(x, 0.5); err != nil {
			return nil, err
		}
		return w.addConst(x, 0.5)
	}
	for i := 0; i < steps; i++ {
		alpha, beta := steepAlpha, steepBeta
		if i >= b.cfg.SignIterations {
			alpha, beta = flatAlpha, flatBeta
		}
		scale := 1.0
		if i == steps-1 {
			scale = 0.5
		}
		if x, err = oddStep(w, x, alpha, beta, scale); err != nil {
			return nil, err
		}
	}
	return w.addConst(x, 0.5)
}

// oddStep evaluates scale*(alpha*x - beta*x^3) as (-scale*beta*x) *
// (x^2 - alpha/beta), which costs two levels.
func oddStep(w *worker, x *rlwe.Ciphertext, alpha, beta, scale float64) (*rlwe.Ciphertext, error) {
	h, err := w.mulConst(x, -scale*beta)
	if err != nil {
		return nil, err
	}
	x2, err := w.mul(x, x)
	if err != nil {
		return nil, err
	}
	d, err := w.addConst(x2, -alpha/beta)
	if err != nil {
		return nil, err
	}
	return w.mul(h, d)
}

// compare returns positive(y - x + offset).
func (b *Backend) compare(x, y fhe.Ciphertext, offset float64) (fhe.Ciphertext, error) {
	a, c, err := b.load2(x, y)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) {
		d, err := w.sub(c, a)
		if err != nil {
			return nil, err
		}
		if offset != 0 {
			if d, err = w.addConst(d, offset); err != nil {
				return nil, err
			}
		}
		return b.positive(w, d)
	})
}

// Lt treats differences below CompareMargin as equal.
func (b *Backend) Lt(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.compare(x, y, -b.cfg.CompareMargin)
}

func (b *Backend) Le(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.compare(x, y, b.cfg.CompareMargin)
}

func (b *Backend) Ge(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.compare(y, x, b.cfg.CompareMargin)
}

func (b *Backend) And(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.Mul(x, y)
}

// Select evaluates cond*(ifTrue-ifFalse) + ifFalse.
func (b *Backend) Select(cond, ifTrue, ifFalse fhe.Ciphertext) (fhe.Ciphertext, error) {
	c, err := b.load(cond)
	if err != nil {
		return nil, err
	}
	t, f, err := b.load2(ifTrue, ifFalse)
	if err != nil {
		return nil, err
	}
	return b.run(func(w *worker) (*rlwe.Ciphertext, error) {
		d, err := w.sub(t, f)
		if err != nil {
			return nil, err
		}
		m, err := w.mul(c, d)
		if err != nil {
			return nil, err
		}
		return w.add(m, f)
	})
}
