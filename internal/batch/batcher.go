package batch

import (
	"fmt"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
)

// Batcher accumulates events into batches bounded by the sink limits.
// It is not safe for concurrent use.
type Batcher struct {
	limits  sink.Limits
	entries []sink.Event
	bytes   int
}

// New creates an empty batcher
func New(limits sink.Limits) *Batcher {
	return &Batcher{limits: limits}
}

// Add appends ev to the current batch. When ev does not fit, the current
// batch is finalized and returned with ok set, and ev starts the next one.
// Adding an event larger than the whole budget is a programming error.
func (b *Batcher) Add(ev sink.Event) (full sink.Batch, ok bool) {
	size := ev.Size(b.limits.EventOverhead)
	if size > b.limits.MaxBatchBytes {
		panic(fmt.Sprintf("batch: event of %d bytes exceeds budget of %d", size, b.limits.MaxBatchBytes))
	}

	if len(b.entries) > 0 && (b.bytes+size > b.limits.MaxBatchBytes || b.atEventLimit()) {
		full, ok = b.Flush()
	}

	b.entries = append(b.entries, ev)
	b.bytes += size
	return full, ok
}

// Flush returns the current batch and resets the batcher.
// An empty batcher yields nothing.
func (b *Batcher) Flush() (sink.Batch, bool) {
	if len(b.entries) == 0 {
		return sink.Batch{}, false
	}

	out := sink.Batch{Events: b.entries, Bytes: b.bytes}
	b.entries = nil
	b.bytes = 0
	return out, true
}

// Len returns the number of buffered events
func (b *Batcher) Len() int {
	return len(b.entries)
}

// Bytes returns the cumulative size of buffered events
func (b *Batcher) Bytes() int {
	return b.bytes
}

func (b *Batcher) atEventLimit() bool {
	return b.limits.MaxBatchEvents > 0 && len(b.entries) >= b.limits.MaxBatchEvents
}
