// Package store defines the abstract byte-mapping contract consumed by
// transaction admission (dedup) and BRB commit (application state), and
// ships an in-memory reference implementation. A durable store is an
// external collaborator: any concrete implementation that satisfies Store
// can be substituted without touching admission or BRB code, grounded on
// the same get/set split the original onomy-rs equity-storage crate used.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable signals a transient storage failure. Admission treats it as
// "reject, retry-able" rather than a protocol-level rejection.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the abstract mapping bytes -> bytes with atomic insert-if-absent.
type Store interface {
	// Get returns the value for key, or ok=false if absent.
	Get(ctx context.Context, key []byte) (value []byte, ok bool, err error)

	// Set overwrites key with value unconditionally and returns the previous
	// value, if any.
	Set(ctx context.Context, key, value []byte) (previous []byte, hadPrevious bool, err error)

	// InsertIfAbsent writes key/value only if key does not already exist,
	// reporting whether the insert took place. Implementations that can only
	// offer Set must emulate this under a per-key critical section.
	InsertIfAbsent(ctx context.Context, key, value []byte) (inserted bool, err error)
}
