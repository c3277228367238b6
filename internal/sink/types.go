package sink

import (
	"context"
	"time"
)

const (
	// DefaultEventOverhead is the fixed number of bytes the sink charges per event
	DefaultEventOverhead = 26

	// DefaultMaxBatchBytes is the upload budget: 256 KiB minus one event's overhead
	DefaultMaxBatchBytes = 256*1024 - DefaultEventOverhead

	// DefaultMaxBatchEvents is the largest number of events accepted in one upload
	DefaultMaxBatchEvents = 10000
)

// Event is a single log event as accepted by the sink
type Event struct {
	Timestamp int64 // milliseconds since epoch
	Message   string
}

// Size returns the number of bytes the event counts against a batch budget
func (e Event) Size(overhead int) int {
	return len(e.Message) + overhead
}

// Limits describes the byte and count budgets enforced by the sink
type Limits struct {
	MaxBatchBytes  int
	EventOverhead  int
	MaxBatchEvents int
}

// DefaultLimits returns the limits of the reference sink
func DefaultLimits() Limits {
	return Limits{
		MaxBatchBytes:  DefaultMaxBatchBytes,
		EventOverhead:  DefaultEventOverhead,
		MaxBatchEvents: DefaultMaxBatchEvents,
	}
}

// MessageBudget returns the largest message, in bytes, a single event may carry
func (l Limits) MessageBudget() int {
	return l.MaxBatchBytes - l.EventOverhead
}

// Batch is one upload's worth of events in capture order
type Batch struct {
	Events []Event
	Bytes  int // cumulative size including per-event overhead
}

// Len returns the number of events in the batch
func (b Batch) Len() int {
	return len(b.Events)
}

// TimeRange returns the timestamps of the first and last events
func (b Batch) TimeRange() (first, last int64) {
	if len(b.Events) == 0 {
		return 0, 0
	}
	return b.Events[0].Timestamp, b.Events[len(b.Events)-1].Timestamp
}

// StreamInfo is the result of looking up a stream on the sink
type StreamInfo struct {
	Exists bool
	Token  string // empty when the sink holds no token for the stream
}

// StreamState is the client-side view of one (group, stream) pair
type StreamState struct {
	Group string
	Name  string
	Token string
}

// API is the subset of the remote log service the forwarder consumes.
// Implementations must return *Error for every failure reported by the service.
type API interface {
	DescribeStream(ctx context.Context, group, stream string) (StreamInfo, error)
	CreateGroup(ctx context.Context, group string) error
	CreateStream(ctx context.Context, group, stream string) error
	PutEvents(ctx context.Context, group, stream, token string, events []Event) (string, error)
}

func millis(ts int64) time.Time {
	return time.UnixMilli(ts).UTC()
}
