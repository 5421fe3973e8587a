// Package idgenerator hands out process-unique, monotonically increasing
// identifiers. The server uses it to stamp every accepted connection.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a
// concurrency-safe manner. IDs are never reused for the lifetime of the
// generator; the first Id() returns startValue+1.
type IdGenerator struct {
	start uint64
	id    atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first ID is startValue+1.
// Starting from 0 reserves 0 as the "no connection" value.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{
		start: startValue,
	}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next unique ID by atomically incrementing the internal counter.
// It is safe for concurrent use by multiple goroutines.
//
// Returns:
//   - The next uint64 ID
func (l *IdGenerator) Id() uint64 {
	return l.id.Add(1)
}

// Issued reports how many IDs have been handed out so far.
func (l *IdGenerator) Issued() uint64 {
	return l.id.Load() - l.start
}
