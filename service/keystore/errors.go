package keystore

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrInvalidSecret = errors.New("invalid secret")
	ErrGeneration    = errors.New("key generation failed")
	ErrSigning       = errors.New("signing failed")
)

// KeyNotFoundError means the keystore holds no key for a handle.
type KeyNotFoundError struct {
	Handle Handle
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("no custody key for %s", e.Handle)
}

func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// InvalidSecretError means an imported secret could not be parsed. The
// secret itself is never included.
type InvalidSecretError struct {
	Reason string
}

func (e *InvalidSecretError) Error() string {
	return "invalid secret: " + e.Reason
}

func (e *InvalidSecretError) Is(target error) bool { return target == ErrInvalidSecret }

// GenerationError wraps a failure to create key material.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("key generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// SigningError wraps a failure to sign with a held key.
type SigningError struct {
	Handle Handle
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing with %s failed: %v", e.Handle, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

func (e *SigningError) Is(target error) bool { return target == ErrSigning }
