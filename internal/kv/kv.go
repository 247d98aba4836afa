// Package kv provides the persistent key-value store backing session state.
// Components depend on the Store interface so tests can run against an
// in-memory database.
package kv

import "errors"

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat key-value store. Values are opaque byte slices; callers
// own serialization.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}
