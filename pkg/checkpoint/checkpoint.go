// Package checkpoint persists the ledger of produced blocks used to resolve
// a safe restart point after a crash or a chain reorganization.
package checkpoint

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no checkpoint matches the query
	ErrNotFound = errors.New("checkpoint not found")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("checkpoint store closed")
)

// Record marks a block that was produced and acknowledged downstream
type Record struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// Reader provides ordered read access to the ledger
type Reader interface {
	// Latest returns the record with the highest number
	Latest(ctx context.Context) (Record, error)

	// Get returns the record at the given number
	Get(ctx context.Context, number uint64) (Record, error)

	// Prev returns the record with the highest number strictly below number
	Prev(ctx context.Context, number uint64) (Record, error)
}

// Writer provides write access to the ledger
type Writer interface {
	// Add atomically inserts rec and deletes every record outside
	// [rec.Number - window, rec.Number]. Records above rec.Number are
	// invalid after a rewind and are removed as well.
	Add(ctx context.Context, rec Record, window uint64) error
}

// Store is a checkpoint ledger backend
type Store interface {
	Reader
	Writer
	Close() error
}

// windowFloor returns the lowest number kept when adding number with window
func windowFloor(number, window uint64) uint64 {
	if window >= number {
		return 0
	}
	return number - window
}
