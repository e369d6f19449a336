// Package ckks adapts Lattigo's CKKS scheme (hefloat) to the fhe capability.
//
// Each ciphertext carries one real value in slot 0. Addition, subtraction and
// multiplication are native. Division is multiplication by the plaintext
// inverse. Comparisons evaluate a composite odd polynomial approximation of
// sign on the difference of the operands, and Sqrt evaluates a least-squares
// polynomial fitted over a configured input domain. Select and And are
// arithmetic (c*(a-b)+b and a*b).
//
// Comparisons are only meaningful when |a-b| <= Bounds().Compare, and operands
// closer than Bounds().Resolution (but not equal) may compare either way.
// Backend.Bounds reports these limits; callers scale operands into them. The
// default CompareBound of 1 expects operands already scaled into [-1, 1].
//
// Sqrt has an absolute error of roughly 0.045*sqrt(SqrtDomain) on
// [0, SqrtDomain], largest near zero. Raising SqrtFloor fits the polynomial on
// [SqrtFloor, SqrtDomain] instead, which is more accurate above the floor and
// less accurate below it.
//
// CKKS is leveled: every multiplication consumes one level of the modulus
// chain and there is no bootstrapping here. Long chains of comparisons return
// fhe.ErrLevelExhausted once the chain is used up. The default chain fits a
// range predicate, or a nearest-neighbor reduction of two rounds (three
// leaves) followed by Sqrt.
package ckks

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// Config controls CKKS parameters and the approximation budget.
type Config struct {
	// LogN is the ring degree exponent.
	LogN int

	// LogQ is the ciphertext modulus chain. Its length minus one is the
	// multiplicative depth available to a fresh ciphertext.
	LogQ []int

	// LogP are the special primes used for key switching.
	LogP []int

	// LogDefaultScale is the encoding scale exponent.
	LogDefaultScale int

	// PoolSize is the number of independent evaluators.
	PoolSize int

	// CacheSize bounds the number of deserialized ciphertexts kept in memory.
	CacheSize int

	// ValueBound is the largest magnitude Encrypt accepts.
	ValueBound float64

	// CompareBound normalizes differences before the sign approximation.
	// Comparisons are accurate for |a-b| <= CompareBound-CompareMargin.
	CompareBound float64

	// CompareMargin separates strict from non-strict comparisons. The sign
	// approximation resolves |d| >= CompareMargin/2 within CompareBound, so
	// operands must be equal or at least 2*CompareMargin apart.
	CompareMargin float64

	// SignIterations and RefineIterations control the composite sign
	// approximation: a few steep steps followed by flattening steps.
	SignIterations   int
	RefineIterations int

	// SqrtDomain is the upper end of the Sqrt input interval [0, SqrtDomain].
	SqrtDomain float64

	// SqrtFloor is the lower end of the interval the square root polynomial
	// is fitted on. Zero fits the whole domain.
	SqrtFloor float64

	// SqrtDegree is the degree of the fitted square root polynomial.
	SqrtDegree int
}

// DefaultConfig returns parameters deep enough for one range predicate, or a
// nearest-neighbor reduction over three leaves (two rounds of comparison and
// selection) followed by Sqrt. Comparisons expect operands in [-1, 1].
// They are not chosen for a security level.
func DefaultConfig() Config {
	const levels = 60
	logQ := make([]int, 0, levels+1)
	logQ = append(logQ, 60)
	for i := 0; i < levels; i++ {
		logQ = append(logQ, 40)
	}
	return Config{
		LogN:             13,
		LogQ:             logQ,
		LogP:             []int{61, 61, 61, 61, 61, 61},
		LogDefaultScale:  40,
		PoolSize:         4,
		CacheSize:        64, // fresh ciphertexts are several MB each
		ValueBound:       1 << 18,
		CompareBound:     1,
		CompareMargin:    1.0 / 256,
		SignIterations:   8,
		RefineIterations: 4,
		SqrtDomain:       1 << 17,
		SqrtDegree:       7,
	}
}

// compareDepth is the number of levels one comparison consumes.
func (c *Config) compareDepth() int {
	steps := c.SignIterations + c.RefineIterations
	depth := 2 * steps
	if c.CompareBound != 1 {
		depth++
	}
	if steps == 0 {
		depth++
	}
	return depth
}

func (c *Config) validate() error {
	if c.LogN < 10 {
		return fmt.Errorf("ckks: LogN must be >= 10, got %d", c.LogN)
	}
	if len(c.LogQ) < 2 {
		return errors.New("ckks: LogQ needs at least two primes")
	}
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	if c.CompareBound <= 0 || c.ValueBound <= 0 || c.SqrtDomain <= 0 {
		return errors.New("ckks: bounds must be positive")
	}
	if c.CompareMargin < 0 || c.CompareMargin >= c.CompareBound {
		return fmt.Errorf("ckks: CompareMargin must be in [0, CompareBound), got %v", c.CompareMargin)
	}
	if c.SqrtDegree < 1 || c.SqrtDegree > 15 {
		return fmt.Errorf("ckks: SqrtDegree must be in [1, 15], got %d", c.SqrtDegree)
	}
	if c.SqrtFloor < 0 || c.SqrtFloor >= c.SqrtDomain {
		return fmt.Errorf("ckks: SqrtFloor must be in [0, SqrtDomain), got %v", c.SqrtFloor)
	}
	if c.SignIterations < 0 || c.RefineIterations < 0 {
		return errors.New("ckks: iteration counts must not be negative")
	}
	if depth := c.compareDepth(); depth >= len(c.LogQ)-1 {
		return fmt.Errorf("ckks: a comparison needs %d levels, the chain has %d", depth+1, len(c.LogQ)-1)
	}
	return nil
}

// NewParameters builds hefloat parameters from the config.
func NewParameters(cfg Config) (hefloat.Parameters, error) {
	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN:            cfg.LogN,
		LogQ:            cfg.LogQ,
		LogP:            cfg.LogP,
		LogDefaultScale: cfg.LogDefaultScale,
	})
	if err != nil {
		return hefloat.Parameters{}, fmt.Errorf("failed to create CKKS parameters: %w", err)
	}
	return params, nil
}

// keys is the key material shared by every worker. The secret key is nil on
// evaluation-only backends.
type keys struct {
	sk  *rlwe.SecretKey
	pk  *rlwe.PublicKey
	rlk *rlwe.RelinearizationKey
}

func generateKeys(params hefloat.Parameters) keys {
	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	return keys{sk: sk, pk: pk, rlk: kgen.GenRelinearizationKeyNew(sk)}
}

// fingerprint is the first 8 bytes of SHA-256 over the serialized public key.
func (k keys) fingerprint() (string, error) {
	b, err := k.pk.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize public key: %w", err)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:8]), nil
}

func readKeys(params hefloat.Parameters, publicKey, relinKey []byte) (keys, error) {
	pk := rlwe.NewPublicKey(params)
	if _, err := pk.ReadFrom(bytes.NewReader(publicKey)); err != nil {
		return keys{}, fmt.Errorf("failed to deserialize public key: %w", err)
	}
	rlk := rlwe.NewRelinearizationKey(params)
	if _, err := rlk.ReadFrom(bytes.NewReader(relinKey)); err != nil {
		return keys{}, fmt.Errorf("failed to deserialize relinearization key: %w", err)
	}
	return keys{pk: pk, rlk: rlk}, nil
}

// worker owns one evaluator. Lattigo evaluators, encoders, encryptors and
// decryptors are not safe for concurrent use.
type worker struct {
	params    hefloat.Parameters
	encoder   *hefloat.Encoder
	evaluator *hefloat.Evaluator
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

func newWorker(params hefloat.Parameters, k keys) *worker {
	w := &worker{
		params:    params,
		encoder:   hefloat.NewEncoder(params),
		evaluator: hefloat.NewEvaluator(params, rlwe.NewMemEvaluationKeySet(k.rlk)),
		encryptor: rlwe.NewEncryptor(params, k.pk),
	}
	if k.sk != nil {
		w.decryptor = rlwe.NewDecryptor(params, k.sk)
	}
	return w
}

func (w *worker) encrypt(v float64) (*rlwe.Ciphertext, error) {
	pt := hefloat.NewPlaintext(w.params, w.params.MaxLevel())
	if err := w.encoder.Encode([]float64{v}, pt); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	ct, err := w.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

func (w *worker) decrypt(ct *rlwe.Ciphertext) (float64, error) {
	if w.decryptor == nil {
		return 0, errors.New("decryptor not available (evaluation-only backend?)")
	}
	pt := w.decryptor.DecryptNew(ct)
	decoded := make([]float64, 1)
	if err := w.encoder.Decode(pt, decoded); err != nil {
		return 0, fmt.Errorf("failed to decode: %w", err)
	}
	return decoded[0], nil
}

// constant encodes v at the given level and scale.
func (w *worker) constant(v float64, level int, scale rlwe.Scale) (*rlwe.Plaintext, error) {
	pt := hefloat.NewPlaintext(w.params, level)
	pt.Scale = scale
	if err := w.encoder.Encode([]float64{v}, pt); err != nil {
		return nil, fmt.Errorf("failed to encode constant: %w", err)
	}
	return pt, nil
}

// mul multiplies two ciphertexts, relinearizes and rescales.
func (w *worker) mul(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if a.Level() == 0 || b.Level() == 0 {
		return nil, errLevel
	}
	out, err := w.evaluator.MulRelinNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to multiply: %w", err)
	}
	if err := w.evaluator.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("failed to rescale: %w", err)
	}
	return out, nil
}

// mulConst multiplies by a plaintext constant encoded at the default scale.
func (w *worker) mulConst(a *rlwe.Ciphertext, c float64) (*rlwe.Ciphertext, error) {
	if a.Level() == 0 {
		return nil, errLevel
	}
	pt, err := w.constant(c, a.Level(), w.params.DefaultScale())
	if err != nil {
		return nil, err
	}
	out, err := w.evaluator.MulNew(a, pt)
	if err != nil {
		return nil, fmt.Errorf("failed to multiply by constant: %w", err)
	}
	if err := w.evaluator.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("failed to rescale: %w", err)
	}
	return out, nil
}

// addConst adds a plaintext constant encoded at the ciphertext's own scale.
func (w *worker) addConst(a *rlwe.Ciphertext, c float64) (*rlwe.Ciphertext, error) {
	pt, err := w.constant(c, a.Level(), a.Scale)
	if err != nil {
		return nil, err
	}
	out, err := w.evaluator.AddNew(a, pt)
	if err != nil {
		return nil, fmt.Errorf("failed to add constant: %w", err)
	}
	return out, nil
}

func (w *worker) add(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	out, err := w.evaluator.AddNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to add: %w", err)
	}
	return out, nil
}

func (w *worker) sub(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	out, err := w.evaluator.SubNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to subtract: %w", err)
	}
	return out, nil
}

// serialize and deserialize mirror the wire format used for stored points.
func serialize(ct *rlwe.Ciphertext) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := ct.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

func deserialize(params hefloat.Parameters, data []byte) (*rlwe.Ciphertext, error) {
	ct := rlwe.NewCiphertext(params, 1, params.MaxLevel())
	if _, err := ct.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize ciphertext: %w", err)
	}
	return ct, nil
}

// fitSqrt returns monomial coefficients c[0..degree] minimizing the squared
// error of sum c[i]*t^i against sqrt(t) on Chebyshev nodes of [lo, 1].
func fitSqrt(degree int, lo float64) []float64 {
	const samples = 128
	n := degree + 1

	// Normal equations A^T A c = A^T y.
	ata := make([][]float64, n)
	for i := range ata {
		ata[i] = make([]float64, n+1)
	}
	for k := 0; k < samples; k++ {
		t := lo + (1-lo)*(0.5-0.5*math.Cos(math.Pi*(float64(k)+0.5)/samples))
		y := math.Sqrt(t)
		pows := make([]float64, n)
		pows[0] = 1
		for i := 1; i < n; i++ {
			pows[i] = pows[i-1] * t
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				ata[i][j] += pows[i] * pows[j]
			}
			ata[i][n] += pows[i] * y
		}
	}

	// Gaussian elimination with partial pivoting.
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(ata[r][col]) > math.Abs(ata[pivot][col]) {
				pivot = r
			}
		}
		ata[col], ata[pivot] = ata[pivot], ata[col]
		for r := col + 1; r < n; r++ {
			f := ata[r][col] / ata[col][col]
			for c := col; c <= n; c++ {
				ata[r][c] -= f * ata[col][c]
			}
		}
	}
	coeffs := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		s := ata[i][n]
		for j := i + 1; j < n; j++ {
			s -= ata[i][j] * coeffs[j]
		}
		coeffs[i] = s / ata[i][i]
	}
	return coeffs
}
