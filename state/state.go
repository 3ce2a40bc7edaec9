package state

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
)

// StateStore is a key-value store for task snapshots.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value, replacing any previous one.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys that start with prefix, sorted.
	// An empty prefix lists every key.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// ValidateKey checks a key. Keys are dot-separated tokens made of letters,
// digits and "-_/=", at most 1024 bytes long.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	for _, r := range key {
		if !validKeyRune(r) && r != '.' {
			return ErrInvalidKey
		}
	}
	return nil
}

func validKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '/', r == '=':
		return true
	}
	return false
}

// Key joins parts into a valid key. Characters outside the key alphabet,
// including dots inside a part, are replaced with "_".
func Key(parts ...string) string {
	clean := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			clean[i] = "_"
			continue
		}
		clean[i] = strings.Map(func(r rune) rune {
			if validKeyRune(r) {
				return r
			}
			return '_'
		}, p)
	}
	return strings.Join(clean, ".")
}
