// Package storage persists versioned JSON documents for kernel components
// such as the auth store and the local auth provider.
//
// Every document is saved whole, wrapped in an envelope that records its
// key and schema version:
//
//	{"version": 1, "key": "auth", "data": {...}}
//
// Two backends are provided: FileStore writes one file per key with an
// atomic rename, SQLiteStore keeps one row per key in the documents table.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidKey is returned for keys that are empty or contain
	// characters other than lowercase letters, digits, dots and underscores.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrKeyMismatch is returned when a stored envelope names another key.
	ErrKeyMismatch = errors.New("storage: envelope key mismatch")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_.]+$`)

// Store loads and saves versioned documents.
type Store interface {
	// Load decodes the document stored under key into v. found is false
	// (and v untouched) when nothing has been saved yet.
	Load(ctx context.Context, key string, v any) (version int, found bool, err error)

	// Save replaces the document under key. Readers never observe a
	// partially written document.
	Save(ctx context.Context, key string, version int, v any) error

	// Remove deletes the document under key. Removing a missing key is not
	// an error.
	Remove(ctx context.Context, key string) error
}

type envelope struct {
	Version int             `json:"version"`
	Key     string          `json:"key"`
	Data    json.RawMessage `json:"data"`
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func encode(key string, version int, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", key, err)
	}
	out, err := json.MarshalIndent(envelope{Version: version, Key: key, Data: data}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", key, err)
	}
	return out, nil
}

func decode(key string, raw []byte, v any) (int, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("decoding %s envelope: %w", key, err)
	}
	if env.Key != key {
		return 0, fmt.Errorf("%w: want %q, got %q", ErrKeyMismatch, key, env.Key)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", key, err)
	}
	return env.Version, nil
}
