// Package oracle implements the decryption oracle side of the reveal protocol.
//
// An oracle receives an ordered batch of ciphertexts under a fresh request id,
// decrypts it out of band and answers with the cleartext plus a proof. Here the
// proof is an ECDSA P-256 signature over a domain-separated digest binding the
// request id, the exact ciphertext batch and the cleartext, so a verifier
// holding only the oracle's public key can reject forged or replayed answers.
package oracle

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

var (
	// ErrBadProof is returned when a proof does not verify.
	ErrBadProof = errors.New("oracle: proof verification failed")

	// ErrQueueFull is returned when the gateway cannot accept more requests.
	ErrQueueFull = errors.New("oracle: request queue full")

	// ErrClosed is returned by a gateway after Close.
	ErrClosed = errors.New("oracle: gateway closed")

	// ErrMalformed is returned for wire data that cannot be decoded.
	ErrMalformed = errors.New("oracle: malformed payload")
)

const digestDomain = "stdb/oracle/reveal/v1"

// Requester issues decryption requests. The returned id is opaque and unique.
type Requester interface {
	Request(ctx context.Context, batch []fhe.Ciphertext) (string, error)
}

// Canceler is implemented by requesters that can withdraw a request not yet
// answered, e.g. when the caller failed to record it.
type Canceler interface {
	Cancel(requestID string)
}

// Verifier checks an oracle answer against the batch it was issued for.
type Verifier interface {
	Verify(requestID string, batch []fhe.Ciphertext, cleartext, proof []byte) error
}

// Digest binds a request id, its ciphertext batch and the cleartext answer.
func Digest(requestID string, batch []fhe.Ciphertext, cleartext []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(digestDomain))
	writeField(h, []byte(requestID))
	writeField(h, EncodeBatch(batch))
	writeField(h, cleartext)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Signer produces proofs with the oracle's private key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner wraps a private key.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("oracle: nil signing key")
	}
	return &Signer{key: key}, nil
}

// Sign returns an ASN.1 ECDSA signature over the answer digest.
func (s *Signer) Sign(requestID string, batch []fhe.Ciphertext, cleartext []byte) ([]byte, error) {
	d := Digest(requestID, batch, cleartext)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, d[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign reveal: %w", err)
	}
	return sig, nil
}

// PublicKey returns the key verifiers need.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// ECDSAVerifier verifies proofs produced by a Signer.
type ECDSAVerifier struct {
	pub *ecdsa.PublicKey
}

// NewVerifier creates a verifier for the oracle's public key.
func NewVerifier(pub *ecdsa.PublicKey) *ECDSAVerifier {
	return &ECDSAVerifier{pub: pub}
}

// Verify implements Verifier.
func (v *ECDSAVerifier) Verify(requestID string, batch []fhe.Ciphertext, cleartext, proof []byte) error {
	if v.pub == nil || len(proof) == 0 {
		return ErrBadProof
	}
	d := Digest(requestID, batch, cleartext)
	if !ecdsa.VerifyASN1(v.pub, d[:], proof) {
		return ErrBadProof
	}
	return nil
}
