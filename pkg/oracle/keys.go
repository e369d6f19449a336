package oracle

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	pemPrivate = "EC PRIVATE KEY"
	pemPublic  = "PUBLIC KEY"
)

// GenerateKey creates a fresh P-256 oracle key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// MarshalPrivateKeyPEM encodes a private key as an SEC 1 PEM block.
func MarshalPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal oracle key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivate, Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a key written by MarshalPrivateKeyPEM.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPrivate {
		return nil, fmt.Errorf("%w: no %s block", ErrMalformed, pemPrivate)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle key: %w", err)
	}
	return key, nil
}

// MarshalPublicKeyPEM encodes a public key as a PKIX PEM block.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal oracle public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublic, Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a public key written by MarshalPublicKeyPEM.
func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPublic {
		return nil, fmt.Errorf("%w: no %s block", ErrMalformed, pemPublic)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle public key: %w", err)
	}
	switch pub := key.(type) {
	case *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: not an ecdsa public key, got %T", ErrMalformed, key)
	}
}

// LoadPrivateKey reads a PEM private key from disk.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read oracle key: %w", err)
	}
	return ParsePrivateKeyPEM(data)
}

// WriteKeyPair writes the private key to path (mode 0600) and the public key
// to path + ".pub".
func WriteKeyPair(path string, key *ecdsa.PrivateKey) error {
	priv, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pub, err := MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return fmt.Errorf("failed to write oracle key: %w", err)
	}
	if err := os.WriteFile(path+".pub", pub, 0o644); err != nil {
		return fmt.Errorf("failed to write oracle public key: %w", err)
	}
	return nil
}
