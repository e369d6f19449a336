package sealed

import (
	"errors"
	"math"
	"testing"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom failed: %v", err)
	}
	return b
}

func enc(t *testing.T, b *Backend, v float64) fhe.Ciphertext {
	t.Helper()
	ct, err := b.Encrypt(v)
	if err != nil {
		t.Fatalf("Encrypt(%v) failed: %v", v, err)
	}
	return ct
}

func dec(t *testing.T, b *Backend, ct fhe.Ciphertext) float64 {
	t.Helper()
	v, err := b.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	return v
}

func TestEncryptDecrypt(t *testing.T) {
	b := newBackend(t)
	for _, v := range []float64{0, 1, -1, 10.5, 1.7e9, -123456.789} {
		if got := dec(t, b, enc(t, b, v)); got != v {
			t.Errorf("round trip of %v = %v", v, got)
		}
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	b := newBackend(t)
	c1, c2 := enc(t, b, 42), enc(t, b, 42)
	if string(c1) == string(c2) {
		t.Error("two encryptions of the same value are identical")
	}
}

func TestEncryptRejectsNaN(t *testing.T) {
	b := newBackend(t)
	if _, err := b.Encrypt(math.NaN()); err == nil {
		t.Error("expected error for NaN")
	}
}

func TestArithmetic(t *testing.T) {
	b := newBackend(t)
	x, y := enc(t, b, 9), enc(t, b, 4)

	tests := []struct {
		name string
		op   func() (fhe.Ciphertext, error)
		want float64
	}{
		{"add", func() (fhe.Ciphertext, error) { return b.Add(x, y) }, 13},
		{"sub", func() (fhe.Ciphertext, error) { return b.Sub(x, y) }, 5},
		{"mul", func() (fhe.Ciphertext, error) { return b.Mul(x, y) }, 36},
		{"div", func() (fhe.Ciphertext, error) { return b.Div(x, 2) }, 4.5},
		{"sqrt", func() (fhe.Ciphertext, error) { return b.Sqrt(x) }, 3},
		{"lt", func() (fhe.Ciphertext, error) { return b.Lt(y, x) }, 1},
		{"lt equal", func() (fhe.Ciphertext, error) { return b.Lt(x, x) }, 0},
		{"le equal", func() (fhe.Ciphertext, error) { return b.Le(x, x) }, 1},
		{"ge", func() (fhe.Ciphertext, error) { return b.Ge(y, x) }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := tt.op()
			if err != nil {
				t.Fatalf("op failed: %v", err)
			}
			if got := dec(t, b, ct); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAndSelect(t *testing.T) {
	b := newBackend(t)
	yes, no := enc(t, b, 1), enc(t, b, 0)

	and, err := b.And(yes, no)
	if err != nil {
		t.Fatalf("And failed: %v", err)
	}
	if dec(t, b, and) != 0 {
		t.Error("1 AND 0 should be 0")
	}

	picked, err := b.Select(yes, enc(t, b, 7), enc(t, b, -1))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if dec(t, b, picked) != 7 {
		t.Error("Select(true) should return the first branch")
	}

	picked, err = b.Select(no, enc(t, b, 7), enc(t, b, -1))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if dec(t, b, picked) != -1 {
		t.Error("Select(false) should return the second branch")
	}
}

func TestDivByZero(t *testing.T) {
	b := newBackend(t)
	if _, err := b.Div(enc(t, b, 1), 0); !errors.Is(err, fhe.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestTamperedCiphertext(t *testing.T) {
	b := newBackend(t)
	ct := enc(t, b, 5)
	ct[len(ct)-1] ^= 0xff

	if _, err := b.Decrypt(ct); !errors.Is(err, fhe.ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := b.Add(ct, enc(t, b, 1)); !errors.Is(err, fhe.ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext from Add, got %v", err)
	}
}

func TestForeignKeyRejected(t *testing.T) {
	a, b := newBackend(t), newBackend(t)
	if _, err := b.Decrypt(enc(t, a, 1)); !errors.Is(err, fhe.ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestPassphraseDerivation(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a, err := NewFromPassphrase("correct horse", salt)
	if err != nil {
		t.Fatalf("NewFromPassphrase failed: %v", err)
	}
	b, err := NewFromPassphrase("correct horse", salt)
	if err != nil {
		t.Fatalf("NewFromPassphrase failed: %v", err)
	}
	if a.KeyFingerprint() != b.KeyFingerprint() {
		t.Error("same passphrase and salt produced different keys")
	}
	if got := dec(t, b, enc(t, a, 3.25)); got != 3.25 {
		t.Errorf("cross-instance decrypt = %v", got)
	}

	if _, err := NewFromPassphrase("", salt); err == nil {
		t.Error("expected error for empty passphrase")
	}
	if _, err := New(make([]byte, 16)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
