package types

import (
	"strconv"
)

// BlockRef selects a block either by number or by a named tag
type BlockRef struct {
	tag    string
	number uint64
}

// Named block tags understood by EVM nodes
var (
	Latest    = BlockRef{tag: "latest"}
	Safe      = BlockRef{tag: "safe"}
	Finalized = BlockRef{tag: "finalized"}
)

// NumberRef references a block by number
func NumberRef(n uint64) BlockRef {
	return BlockRef{number: n}
}

// Tag returns the tag name, or "" for numbered references
func (r BlockRef) Tag() string {
	return r.tag
}

// Number returns the referenced number; only meaningful when Tag() is ""
func (r BlockRef) Number() uint64 {
	return r.number
}

func (r BlockRef) String() string {
	if r.tag != "" {
		return r.tag
	}
	return strconv.FormatUint(r.number, 10)
}
