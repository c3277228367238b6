// Package driver runs the poll loop that forwards one stream's lines to the sink.
package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mumzworld-tech/containerwatch/internal/batch"
	"github.com/mumzworld-tech/containerwatch/internal/codec"
	"github.com/mumzworld-tech/containerwatch/internal/sink"
	"github.com/mumzworld-tech/containerwatch/internal/source"
)

const (
	DefaultPollInterval = time.Second
	DefaultDrainTimeout = 10 * time.Second
)

// State is the driver's position in its lifecycle
type State int32

const (
	StateInitializing State = iota // Created, not yet polling
	StatePolling                   // Reading and forwarding on every tick
	StateDraining                  // Shutdown requested, sending what is buffered
	StateTerminated                // Finished, no further uploads
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StatePolling:
		return "POLLING"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Options tunes a Driver
type Options struct {
	Limits       sink.Limits
	Interval     time.Duration
	DrainTimeout time.Duration

	// Exit, when non-nil, is closed once the workload has stopped.
	// The driver then performs a final poll and drains.
	Exit <-chan struct{}
}

// Snapshot is a point-in-time view of a driver for status reporting
type Snapshot struct {
	Group     string     `json:"group"`
	Stream    string     `json:"stream"`
	State     string     `json:"state"`
	Polls     int64      `json:"polls"`
	LastPoll  time.Time  `json:"last_poll"`
	LastError string     `json:"last_error,omitempty"`
	Failed    bool       `json:"failed"`
	Stats     sink.Stats `json:"stats"`
}

// Driver owns the pipeline of a single stream. Run must be called at most once.
type Driver struct {
	src     source.Source
	client  *sink.Client
	policy  *sink.Policy
	batcher *batch.Batcher
	opts    Options
	now     func() time.Time
	log     *logrus.Entry

	state atomic.Int32
	polls atomic.Int64
	since time.Time

	mu        sync.Mutex
	lastPoll  time.Time
	lastError string
	failed    bool
}

// New creates a driver reading from src and uploading through client
func New(src source.Source, client *sink.Client, policy *sink.Policy, opts Options, log *logrus.Entry) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	state := client.State()

	d := &Driver{
		src:     src,
		client:  client,
		policy:  policy,
		batcher: batch.New(opts.Limits),
		opts:    opts,
		now:     time.Now,
		log:     log.WithFields(logrus.Fields{"group": state.Group, "stream": state.Name}),
	}
	d.state.Store(int32(StateInitializing))
	return d
}

// Run polls until ctx is cancelled or the workload exits, then drains.
// It returns nil after a graceful drain and a *sink.DeliveryError when a
// batch could not be delivered.
func (d *Driver) Run(ctx context.Context) error {
	d.setState(StatePolling)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	if err := d.poll(ctx); err != nil {
		return d.fail(err)
	}

	for {
		select {
		case <-ctx.Done():
			return d.drain(ctx)

		case <-d.opts.Exit:
			d.log.Info("Workload exited, collecting remaining output")
			if err := d.poll(ctx); err != nil {
				return d.fail(err)
			}
			return d.drain(ctx)

		case <-ticker.C:
			if err := d.poll(ctx); err != nil {
				return d.fail(err)
			}
		}
	}
}

// poll forwards everything emitted since the previous poll.
// Only delivery failures are returned; read failures leave the window
// in place so the next poll covers it again.
func (d *Driver) poll(ctx context.Context) error {
	now := d.now()

	lines, err := d.src.Read(ctx, d.since, now)
	if err != nil {
		if ctx.Err() == nil {
			d.log.WithError(err).Warn("Failed to read log lines")
			d.setLastError(err)
		}
		return nil
	}
	d.polls.Add(1)
	d.since = now
	d.mu.Lock()
	d.lastPoll = now
	d.mu.Unlock()

	// an upload in flight is allowed to finish after cancellation
	uploadCtx := context.WithoutCancel(ctx)

	var failed *sink.DeliveryError
	for _, line := range lines {
		for ev := range codec.Events(line, d.opts.Limits.MessageBudget()) {
			if failed != nil {
				failed.AddUnsent(ev)
				continue
			}
			full, ok := d.batcher.Add(ev)
			if !ok {
				continue
			}
			if err := d.policy.Deliver(uploadCtx, d.client, full); err != nil {
				if !errors.As(err, &failed) {
					return err
				}
				rest, _ := d.batcher.Flush()
				for _, queued := range rest.Events {
					failed.AddUnsent(queued)
				}
			}
		}
	}
	if failed != nil {
		return failed
	}

	if b, ok := d.batcher.Flush(); ok {
		return d.policy.Deliver(uploadCtx, d.client, b)
	}
	return nil
}

// drain sends whatever is still buffered, bounded by the drain timeout
func (d *Driver) drain(ctx context.Context) error {
	d.setState(StateDraining)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.DrainTimeout)
	defer cancel()

	// every completed poll ends with a flush, so this only finds events
	// left by a poll that did not reach it
	if b, ok := d.batcher.Flush(); ok {
		d.log.WithField("events", b.Len()).Info("Draining buffered events")
		if err := d.policy.Deliver(drainCtx, d.client, b); err != nil {
			return d.fail(err)
		}
	}

	d.setState(StateTerminated)
	stats := d.client.Stats()
	d.log.WithFields(logrus.Fields{
		"batches": stats.Batches,
		"events":  stats.Events,
	}).Info("Shutdown complete")
	return nil
}

func (d *Driver) fail(err error) error {
	d.mu.Lock()
	d.lastError = err.Error()
	d.failed = true
	d.mu.Unlock()
	d.setState(StateTerminated)

	entry := d.log.WithError(err)
	var de *sink.DeliveryError
	if errors.As(err, &de) && de.Unsent > 0 {
		entry = entry.WithField("unsent_events", de.Unsent)
	}
	entry.Error("Batch delivery failed, aborting")
	return err
}

func (d *Driver) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	if old != s {
		d.log.Debugf("State transition: %s -> %s", old, s)
	}
}

// State returns the driver's current state
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setLastError(err error) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
}

// Snapshot returns the driver's current state and delivery statistics.
// It is safe to call from any goroutine.
func (d *Driver) Snapshot() Snapshot {
	st := d.client.State()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Group:     st.Group,
		Stream:    st.Name,
		State:     d.State().String(),
		Polls:     d.polls.Load(),
		LastPoll:  d.lastPoll,
		LastError: d.lastError,
		Failed:    d.failed,
		Stats:     d.client.Stats(),
	}
}
