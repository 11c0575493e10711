// Package progressbus conveys (path, bytes_done) progress tuples from
// worker goroutines to a job's progress aggregator without coupling the
// workers to any specific sink.
//
// The bus travels as an explicit context.Context value, carried the same
// way cancellation contexts already are: callers still pass ctx explicitly
// into Hasher and FanoutCopier, so there is no hidden global. Absence of a
// bus in the context is a valid state — workers simply drop progress.
package progressbus

import "context"

// Event is one progress tuple: a display path and a byte increment.
// Increment is a float64 because Hasher divides a chunk's length by the
// number of files being hashed together (see hasher.MultiHash), which is
// not always an integer number of bytes per file.
type Event struct {
	Path      string
	Increment float64
}

// Bus is an unbounded-feeling FIFO channel carrying progress Events.
// Multiple producers (copy readers, verification hashers), single consumer
// (the job's progress aggregator). Thread-safe by virtue of being a channel.
type Bus struct {
	ch chan Event
}

// New creates a Bus with the given buffer capacity. A generous buffer keeps
// producers from blocking on a slow consumer; the aggregator is expected to
// drain continuously for the lifetime of a job.
func New(capacity int) *Bus {
	return &Bus{ch: make(chan Event, capacity)}
}

// Emit sends an event. Safe to call on a nil Bus (no-op), so callers that
// received an absent bus from the context don't need a nil check.
func (b *Bus) Emit(path string, increment float64) {
	if b == nil {
		return
	}
	b.ch <- Event{Path: path, Increment: increment}
}

// Events returns the receive side of the channel, for the aggregator to range over.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close closes the channel. Only the owner (the component that called New)
// should close it, after all producers have finished.
func (b *Bus) Close() { close(b.ch) }

type contextKey struct{}

// Into returns a new context carrying bus, retrievable with From.
func Into(ctx context.Context, bus *Bus) context.Context {
	return context.WithValue(ctx, contextKey{}, bus)
}

// From retrieves the Bus stored in ctx by Into, or nil if absent.
// A nil return is valid: Emit on a nil *Bus is a no-op.
func From(ctx context.Context) *Bus {
	bus, _ := ctx.Value(contextKey{}).(*Bus)
	return bus
}
