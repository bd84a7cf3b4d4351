// Package idgenerator hands out process-unique integer identifiers. Zero is
// never returned so callers can use it as a "no id" sentinel.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint32 IDs in a
// concurrency-safe manner. The counter wraps around at the top of the uint32
// range; the zero value produced by the wrap is skipped.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1
// (or 1 when startValue+1 wraps to zero).
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next non-zero ID. It is safe for concurrent use by multiple
// goroutines.
//
// Returns:
//   - The next uint32 ID, never 0
func (l *IdGenerator) Id() uint32 {
	for {
		if id := l.id.Add(1); id != 0 {
			return id
		}
	}
}

// IntId returns the next non-zero ID as an int, the form used for handle,
// channel and clock identifiers.
//
// Returns:
//   - The next ID as a positive int
func (l *IdGenerator) IntId() int {
	return int(l.Id())
}

// Last returns the most recently issued ID without advancing the counter.
//
// Returns:
//   - The last ID handed out, or the start value if none was issued yet
func (l *IdGenerator) Last() uint32 {
	return l.id.Load()
}
