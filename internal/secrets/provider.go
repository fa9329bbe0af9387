// Package secrets manages the per-install secret that keys deterministic
// idempotency derivation.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const secretLen = 32

// Provider yields the install secret. Implementations must return the same
// secret for the life of the install; callers fall back to random
// idempotency keys when the secret is unavailable.
type Provider interface {
	InstallSecret() ([]byte, error)
}

// FileProvider persists a randomly generated secret beside the data
// directory on first use and returns it verbatim afterwards.
type FileProvider struct {
	path string

	mu     sync.Mutex
	cached []byte
}

// NewFileProvider creates a provider backed by the given file path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// InstallSecret returns the persisted secret, generating it on first call.
func (p *FileProvider) InstallSecret() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached, nil
	}

	data, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		secret, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(secret) != secretLen {
			return nil, fmt.Errorf("install secret file %s is corrupt", p.path)
		}
		p.cached = secret
		return secret, nil
	case errors.Is(err, os.ErrNotExist):
		// fall through to generation
	default:
		return nil, fmt.Errorf("read install secret: %w", err)
	}

	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate install secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write install secret: %w", err)
	}

	p.cached = secret
	return secret, nil
}

// StaticProvider returns a fixed secret. Intended for tests.
type StaticProvider []byte

// InstallSecret returns the fixed secret.
func (s StaticProvider) InstallSecret() ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.New("no install secret configured")
	}
	return s, nil
}
