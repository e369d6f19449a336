// Package sealed is a coprocessor-style fhe backend.
//
// Every ciphertext is a float64 sealed with AES-256-GCM under a key that never
// leaves the backend. Operations open their operands, compute and reseal inside
// the backend boundary, so callers outside it only ever handle sealed bytes.
// Arithmetic is exact, which makes this backend the reference for tests and
// local development. It models a trusted coprocessor and is not a lattice scheme.
package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/argon2"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// SaltSize is the size of salts for passphrase key derivation.
	SaltSize = 16

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4

	version byte = 1
)

// ErrInvalidKey is returned when the sealing key is not KeySize bytes.
var ErrInvalidKey = errors.New("sealed: key must be 32 bytes")

var aad = []byte("stdb/sealed/v1")

// Backend implements fhe.Backend with AES-256-GCM sealed scalars.
type Backend struct {
	key  []byte
	aead cipher.AEAD
}

var (
	_ fhe.Backend       = (*Backend)(nil)
	_ fhe.Fingerprinter = (*Backend)(nil)
)

// New creates a backend from a 32-byte key.
func New(key []byte) (*Backend, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)
	return &Backend{key: keyCopy, aead: gcm}, nil
}

// NewRandom creates a backend with a freshly generated key.
func NewRandom() (*Backend, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(key)
}

// NewFromPassphrase derives the key from a passphrase and salt with Argon2id.
func NewFromPassphrase(passphrase string, salt []byte) (*Backend, error) {
	if passphrase == "" {
		return nil, errors.New("sealed: passphrase must not be empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("sealed: salt must be at least %d bytes", SaltSize)
	}
	return New(DeriveKey(passphrase, salt))
}

// DeriveKey derives a 256-bit key from a passphrase using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, KeySize)
}

// GenerateKey returns a random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Name implements fhe.Backend.
func (b *Backend) Name() string { return "sealed" }

// KeyFingerprint returns the first 8 bytes of SHA-256(key), hex encoded.
func (b *Backend) KeyFingerprint() string {
	sum := sha256.Sum256(b.key)
	return fmt.Sprintf("%x", sum[:8])
}

func (b *Backend) seal(v float64) (fhe.Ciphertext, error) {
	var pt [8]byte
	binary.BigEndian.PutUint64(pt[:], math.Float64bits(v))

	out := make([]byte, 1+NonceSize, 1+NonceSize+len(pt)+b.aead.Overhead())
	out[0] = version
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.aead.Seal(out, out[1:1+NonceSize], pt[:], aad), nil
}

func (b *Backend) open(ct fhe.Ciphertext) (float64, error) {
	if len(ct) < 1+NonceSize+b.aead.Overhead() || ct[0] != version {
		return 0, fhe.ErrInvalidCiphertext
	}
	pt, err := b.aead.Open(nil, ct[1:1+NonceSize], ct[1+NonceSize:], aad)
	if err != nil || len(pt) != 8 {
		return 0, fhe.ErrInvalidCiphertext
	}
	return math.Float64frombits(binary.BigEndian.Uint64(pt)), nil
}

func (b *Backend) unary(a fhe.Ciphertext, f func(float64) (float64, error)) (fhe.Ciphertext, error) {
	x, err := b.open(a)
	if err != nil {
		return nil, err
	}
	r, err := f(x)
	if err != nil {
		return nil, err
	}
	return b.seal(r)
}

func (b *Backend) binary(a, c fhe.Ciphertext, f func(x, y float64) float64) (fhe.Ciphertext, error) {
	x, err := b.open(a)
	if err != nil {
		return nil, err
	}
	y, err := b.open(c)
	if err != nil {
		return nil, err
	}
	return b.seal(f(x, y))
}

func boolean(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Encrypt implements fhe.Evaluator.
func (b *Backend) Encrypt(v float64) (fhe.Ciphertext, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("sealed: cannot encrypt %v", v)
	}
	return b.seal(v)
}

// Decrypt implements fhe.Decrypter.
func (b *Backend) Decrypt(ct fhe.Ciphertext) (float64, error) {
	return b.open(ct)
}

func (b *Backend) Add(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return p + q })
}

func (b *Backend) Sub(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return p - q })
}

func (b *Backend) Mul(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return p * q })
}

// Div divides by a plaintext divisor.
func (b *Backend) Div(x fhe.Ciphertext, divisor float64) (fhe.Ciphertext, error) {
	if divisor == 0 {
		return nil, fhe.ErrDivisionByZero
	}
	return b.unary(x, func(p float64) (float64, error) { return p / divisor, nil })
}

// Sqrt clamps negative inputs to zero.
func (b *Backend) Sqrt(x fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.unary(x, func(p float64) (float64, error) { return math.Sqrt(math.Max(p, 0)), nil })
}

func (b *Backend) Lt(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return boolean(p < q) })
}

func (b *Backend) Le(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return boolean(p <= q) })
}

func (b *Backend) Ge(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return boolean(p >= q) })
}

func (b *Backend) And(x, y fhe.Ciphertext) (fhe.Ciphertext, error) {
	return b.binary(x, y, func(p, q float64) float64 { return boolean(p != 0 && q != 0) })
}

func (b *Backend) Select(cond, ifTrue, ifFalse fhe.Ciphertext) (fhe.Ciphertext, error) {
	c, err := b.open(cond)
	if err != nil {
		return nil, err
	}
	if c != 0 {
		return b.unary(ifTrue, func(p float64) (float64, error) { return p, nil })
	}
	return b.unary(ifFalse, func(p float64) (float64, error) { return p, nil })
}
