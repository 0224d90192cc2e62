// Package share stores source documents behind short opaque codes so a
// playground program can be passed around as a link.
//
// Nothing is executed here. Opening a shared document still goes through a
// build session like any other source.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	"github.com/conneroisu/playground/internal/errors"
)

// codeBytes of randomness encode to a 12 character code.
const codeBytes = 9

var (
	// ErrNotFound is returned when no document is stored under a code.
	ErrNotFound = errors.NewValidationError(errors.ErrCodeShareNotFound, "shared document not found")
	// ErrTooLarge is returned for documents over the size limit.
	ErrTooLarge = errors.NewValidationError(errors.ErrCodeShareTooLarge, "shared document too large")
)

// Store persists shared documents.
type Store interface {
	// Put stores doc and returns its code.
	Put(ctx context.Context, doc []byte) (string, error)
	// Get returns the document stored under code, or ErrNotFound.
	Get(ctx context.Context, code string) ([]byte, error)
	Close() error
}

// NewCode returns a fresh random code in URL-safe base64.
func NewCode() string {
	var b [codeBytes]byte
	_, _ = rand.Read(b[:])

	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidCode reports whether code could have been produced by NewCode.
func ValidCode(code string) bool {
	if len(code) != base64.RawURLEncoding.EncodedLen(codeBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(code)

	return err == nil
}
