package storage

import (
	"context"
	"errors"

	"github.com/luca-patrignani/code-votation/domain/code"
)

// ErrNotFound is returned when a code is not stored.
var ErrNotFound = errors.New("code not found")

// Store is the persistence contract of one code collection.
type Store interface {
	// Get returns the stored snapshot of c or ErrNotFound.
	Get(ctx context.Context, c string) (code.Code, error)

	// Exists reports whether c is stored.
	Exists(ctx context.Context, c string) (bool, error)

	// Count returns the number of stored codes.
	Count(ctx context.Context) (int, error)

	// ValidatedCount returns the number of codes validated at least once.
	ValidatedCount(ctx context.Context) (int, error)

	// Put inserts or replaces a code. It reports whether the code was new.
	Put(ctx context.Context, c code.Code) (bool, error)

	// IncrementValidations adds one to the validation counter of c and
	// returns the updated snapshot, or ErrNotFound.
	IncrementValidations(ctx context.Context, c string) (code.Code, error)

	// All returns every stored code.
	All(ctx context.Context) ([]code.Code, error)
}
