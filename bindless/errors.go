package bindless

import "github.com/cockroachdb/errors"

var (
	// ErrDoubleFree is returned when a slot that is not live is released
	ErrDoubleFree = errors.New("bindless slot released while not live")
	// ErrSlotPoolExhausted is returned when every slot of a pool is live. The caller may defer the
	// allocation or evict a resource.
	ErrSlotPoolExhausted = errors.New("bindless slot pool exhausted")
	ErrSlotNotLive       = errors.New("bindless slot is not live")
)
