package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrGeneration is returned when a key pair could not be generated.
	ErrGeneration = errors.New("key generation failed")

	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("key not found")

	// ErrNoValidKeys is returned when a token is requested and every key is expired.
	ErrNoValidKeys = errors.New("no valid keys available")

	// ErrEncoding is returned for malformed key material during JWK/JWT conversion.
	ErrEncoding = errors.New("key encoding failed")
)

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrap a backend error, leaving nil and sentinel errors alone
func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NewStorageError is used by the SQL backends.
func NewStorageError(op string, err error) error {
	return storageErr(op, err)
}
