package stream

import (
	"fmt"

	"github.com/0xmhha/block-streamer/pkg/types"
)

// Tracker remembers the last emitted block and the hashes of recently
// emitted ones, and decides whether a block may be emitted next.
// It is not safe for concurrent use.
type Tracker struct {
	window   uint64
	prevHash string

	emitted    bool
	lastNumber uint64
	lastHash   string
	recent     map[uint64]string
}

// NewTracker creates a tracker. prevHash, when set, is the hash the parent
// of the first emitted block must have.
func NewTracker(prevHash string, window int) *Tracker {
	if window <= 0 {
		window = 1
	}
	return &Tracker{
		window:   uint64(window),
		prevHash: prevHash,
		recent:   make(map[uint64]string, window),
	}
}

// Check reports whether b is the next block to emit. A block at or below
// the last emitted number is a duplicate when its hash matches what was
// emitted, and a reorg otherwise. A block above it must link to the last
// emitted hash.
func (t *Tracker) Check(b *types.Block) (bool, error) {
	if !t.emitted {
		if t.prevHash != "" && b.ParentHash != t.prevHash {
			return false, fmt.Errorf("%w: block %d parent %s, expected %s",
				ErrReorgDetected, b.Number, b.ParentHash, t.prevHash)
		}
		return true, nil
	}

	if b.Number > t.lastNumber {
		if b.ParentHash != t.lastHash {
			return false, fmt.Errorf("%w: block %d parent %s does not match block %d hash %s",
				ErrReorgDetected, b.Number, b.ParentHash, t.lastNumber, t.lastHash)
		}
		return true, nil
	}

	hash, known := t.recent[b.Number]
	if !known {
		// older than the window; nothing left to compare against
		return false, nil
	}
	if hash != b.Hash {
		return false, fmt.Errorf("%w: block %d hash %s, emitted %s",
			ErrReorgDetected, b.Number, b.Hash, hash)
	}
	return false, nil
}

// Advance records b as emitted
func (t *Tracker) Advance(b *types.Block) {
	t.emitted = true
	t.lastNumber = b.Number
	t.lastHash = b.Hash
	t.recent[b.Number] = b.Hash

	if b.Number >= t.window {
		delete(t.recent, b.Number-t.window)
	}
}

// Last returns the last emitted block number and hash
func (t *Tracker) Last() (uint64, string, bool) {
	return t.lastNumber, t.lastHash, t.emitted
}
