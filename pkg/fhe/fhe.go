// Package fhe defines the homomorphic arithmetic capability consumed by the
// query engine.
//
// The engine never sees plaintext coordinates. It combines ciphertexts only
// through an [Evaluator], and plaintext comes back only via an external
// decryption oracle that holds a [Decrypter]. Concrete schemes live in
// subpackages (sealed, ckks); nothing outside them may assume a scheme.
//
// Encrypted booleans follow the fhEVM convention: 1 means true and 0 means false.
package fhe

import (
	"encoding/hex"
	"errors"
)

var (
	// ErrInvalidCiphertext is returned when a ciphertext cannot be parsed or authenticated.
	ErrInvalidCiphertext = errors.New("fhe: invalid ciphertext")

	// ErrDivisionByZero is returned by Div with a zero divisor.
	ErrDivisionByZero = errors.New("fhe: division by zero")

	// ErrLevelExhausted is returned when a leveled scheme has no multiplicative depth left.
	ErrLevelExhausted = errors.New("fhe: ciphertext level exhausted")

	// ErrNoSecretKey is returned when decryption is attempted without key material.
	ErrNoSecretKey = errors.New("fhe: no secret key available")
)

// Ciphertext is an opaque, serialized encrypted scalar.
type Ciphertext []byte

// String returns a short fingerprint, never the full ciphertext.
func (c Ciphertext) String() string {
	if len(c) <= 8 {
		return hex.EncodeToString(c)
	}
	return hex.EncodeToString(c[:8]) + "…"
}

// Clone returns an independent copy.
func (c Ciphertext) Clone() Ciphertext {
	if c == nil {
		return nil
	}
	out := make(Ciphertext, len(c))
	copy(out, c)
	return out
}

// Evaluator is the arithmetic capability over ciphertexts.
// Implementations must be safe for concurrent use.
type Evaluator interface {
	// Encrypt encrypts a plaintext scalar under the public key.
	// Used by clients to submit points and by the engine to lift public query constants.
	Encrypt(v float64) (Ciphertext, error)

	Add(a, b Ciphertext) (Ciphertext, error)
	Sub(a, b Ciphertext) (Ciphertext, error)
	Mul(a, b Ciphertext) (Ciphertext, error)

	// Div divides by a plaintext divisor.
	Div(a Ciphertext, divisor float64) (Ciphertext, error)

	// Sqrt computes the square root of a non-negative ciphertext.
	Sqrt(a Ciphertext) (Ciphertext, error)

	// Lt, Le and Ge return an encrypted boolean.
	Lt(a, b Ciphertext) (Ciphertext, error)
	Le(a, b Ciphertext) (Ciphertext, error)
	Ge(a, b Ciphertext) (Ciphertext, error)

	// And combines two encrypted booleans.
	And(a, b Ciphertext) (Ciphertext, error)

	// Select returns ifTrue where cond is true and ifFalse otherwise.
	Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error)
}

// Decrypter turns ciphertexts back into plaintext. Only the decryption oracle
// holds one.
type Decrypter interface {
	Decrypt(ct Ciphertext) (float64, error)
}

// Backend is a scheme adapter holding both capabilities, as used by in-process
// deployments where the oracle runs next to the engine.
type Backend interface {
	Evaluator
	Decrypter

	// Name identifies the scheme, e.g. "sealed" or "ckks".
	Name() string
}

// Bounds describes the operand ranges a leveled scheme evaluates accurately.
type Bounds struct {
	// Compare is the largest |a-b| for which Lt, Le and Ge are reliable.
	Compare float64

	// Resolution is the smallest gap the comparisons separate. Operands
	// closer than this (and not equal) may compare either way.
	Resolution float64

	// Sqrt is the upper end of the interval [0, Sqrt] Sqrt is fitted on.
	Sqrt float64

	// Value is the largest magnitude Encrypt accepts.
	Value float64
}

// Bounded is implemented by evaluators whose comparisons and square roots are
// approximations valid on a bounded range. Callers must scale operands into
// Bounds before evaluating; results outside are undefined.
type Bounded interface {
	Bounds() Bounds
}

// BoundsOf reports the bounds of ev, if it has any.
func BoundsOf(ev Evaluator) (Bounds, bool) {
	b, ok := ev.(Bounded)
	if !ok {
		return Bounds{}, false
	}
	return b.Bounds(), true
}

// Fingerprinter identifies the key material ciphertexts are bound to, so that
// stored ciphertexts are never mixed with a different key.
type Fingerprinter interface {
	KeyFingerprint() string
}

// KeyExporter is implemented by public-key schemes that can hand their
// evaluation keys to remote clients.
type KeyExporter interface {
	PublicKeyBytes() ([]byte, error)
	RelinKeyBytes() ([]byte, error)
}

// EncryptAll encrypts each value in order.
func EncryptAll(ev Evaluator, values ...float64) ([]Ciphertext, error) {
	out := make([]Ciphertext, len(values))
	for i, v := range values {
		ct, err := ev.Encrypt(v)
		if err != nil {
			return nil, err
		}
		out[i] = ct
	}
	return out, nil
}
