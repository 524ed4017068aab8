// Package storage provides the blob persistence capability used by the
// entity and shared-buffer stores: flat key/value reads and writes with
// prefix listing.
package storage

import "errors"

// Store is the blob contract consumed by the per-realm stores.
type Store interface {
	Read(key string) ([]byte, error)
	Write(key string, data []byte) error
	Delete(key string) error
	List(prefix string) ([]string, error)
}

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)
