// ABOUTME: Byte-level key/value Store interface used for conversation persistence
// ABOUTME: Keys are slash-separated relative paths; List returns keys sorted by name

package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned for empty, absolute or escaping keys
var ErrInvalidKey = errors.New("invalid key")

// Store is a flat byte store. Implementations must be safe for concurrent use.
type Store interface {
	// Read returns the bytes stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write replaces the bytes stored under key.
	Write(ctx context.Context, key string, data []byte) error
	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ValidateKey checks that key is a clean relative slash path.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Prefixed scopes a Store under a key prefix.
type Prefixed struct {
	inner  Store
	prefix string
}

// WithPrefix returns a Store whose keys live under prefix in s.
func WithPrefix(s Store, prefix string) *Prefixed {
	return &Prefixed{inner: s, prefix: strings.Trim(prefix, "/")}
}

func (p *Prefixed) full(key string) string {
	if p.prefix == "" {
		return key
	}
	return p.prefix + "/" + key
}

func (p *Prefixed) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return p.inner.Read(ctx, p.full(key))
}

func (p *Prefixed) Write(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return p.inner.Write(ctx, p.full(key), data)
}

func (p *Prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.List(ctx, p.full(prefix))
	if err != nil {
		return nil, err
	}
	if p.prefix == "" {
		return keys, nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, p.prefix+"/"))
	}
	return out, nil
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return p.inner.Delete(ctx, p.full(key))
}
