package ckks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// Key directory layout written by WriteKeys:
//
//	dir/
//	├── secret.key   # omitted for evaluation-only backends
//	├── public.key
//	└── relin.key
const (
	secretKeyFile = "secret.key"
	publicKeyFile = "public.key"
	relinKeyFile  = "relin.key"
)

// WriteKeys saves the key set under dir so a later LoadBackend decrypts the
// same ciphertexts. The secret key file is written with mode 0600.
func (b *Backend) WriteKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	pk, err := b.keys.pk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize public key: %w", err)
	}
	rlk, err := b.keys.rlk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize relinearization key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pk, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, relinKeyFile), rlk, 0o644); err != nil {
		return fmt.Errorf("failed to write relinearization key: %w", err)
	}
	if b.keys.sk == nil {
		return nil
	}
	sk, err := b.keys.sk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize secret key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, secretKeyFile), sk, 0o600); err != nil {
		return fmt.Errorf("failed to write secret key: %w", err)
	}
	return nil
}

// LoadBackend restores a backend from a directory written by WriteKeys. It
// can decrypt only if the directory holds a secret key.
func LoadBackend(cfg Config, dir string) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	params, err := NewParameters(cfg)
	if err != nil {
		return nil, err
	}
	pk, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	rlk, err := os.ReadFile(filepath.Join(dir, relinKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read relinearization key: %w", err)
	}
	k, err := readKeys(params, pk, rlk)
	if err != nil {
		return nil, err
	}

	sk, err := os.ReadFile(filepath.Join(dir, secretKeyFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read secret key: %w", err)
	default:
		k.sk = rlwe.NewSecretKey(params)
		if err := k.sk.UnmarshalBinary(sk); err != nil {
			return nil, fmt.Errorf("failed to deserialize secret key: %w", err)
		}
	}
	return newBackend(cfg, params, k)
}

// LoadOrCreateBackend loads the key set under dir, or generates one and saves
// it there when dir holds no public key yet.
func LoadOrCreateBackend(cfg Config, dir string) (*Backend, error) {
	_, err := os.Stat(filepath.Join(dir, publicKeyFile))
	if err == nil {
		return LoadBackend(cfg, dir)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat key directory: %w", err)
	}
	b, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.WriteKeys(dir); err != nil {
		return nil, err
	}
	return b, nil
}
