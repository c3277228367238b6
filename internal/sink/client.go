package sink

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Stats counts what a client has delivered
type Stats struct {
	Batches    int64 `json:"batches"`
	Events     int64 `json:"events"`
	Bytes      int64 `json:"bytes"`
	Recoveries int64 `json:"token_recoveries"`
	Retries    int64 `json:"retries"`
}

// Client owns the continuation token of one stream and uploads batches to it.
// A Client must not be used from more than one goroutine at a time; only
// State and Stats are safe to call concurrently.
type Client struct {
	api   API
	log   *logrus.Entry
	debug bool

	mu    sync.Mutex
	state StreamState
	seq   int

	batches    atomic.Int64
	events     atomic.Int64
	bytes      atomic.Int64
	recoveries atomic.Int64
	retries    atomic.Int64
}

// Option configures a Client
type Option func(*Client)

// WithDebug makes the client log every outbound batch before sending it
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// WithLogger sets the logger used by the client. Without it the client logs nothing.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// NewClient prepares group/stream on the sink and adopts its current token
func NewClient(ctx context.Context, api API, group, stream string, opts ...Option) (*Client, error) {
	c := &Client{
		api:   api,
		log:   discardLogger(),
		state: StreamState{Group: group, Name: stream},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"group": group, "stream": stream})

	if err := c.setup(ctx); err != nil {
		return nil, &SetupError{Group: group, Stream: stream, Err: err}
	}
	return c, nil
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func (c *Client) setup(ctx context.Context) error {
	group, stream := c.state.Group, c.state.Name

	info, err := c.api.DescribeStream(ctx, group, stream)
	switch {
	case err == nil && info.Exists:
		c.adopt(info.Token)
		c.log.WithField("has_token", info.Token != "").Info("Using existing log stream")
		return nil
	case err == nil:
		return c.createStream(ctx)
	case IsKind(err, KindNotFound):
		c.log.Info("Log group not found, creating it")
		if err := c.api.CreateGroup(ctx, group); err != nil && !IsKind(err, KindAlreadyExists) {
			return err
		}
		return c.createStream(ctx)
	default:
		return err
	}
}

func (c *Client) createStream(ctx context.Context) error {
	err := c.api.CreateStream(ctx, c.state.Group, c.state.Name)
	if IsKind(err, KindAlreadyExists) {
		c.log.Info("Log stream was created concurrently")
		return nil
	}
	if err == nil {
		c.log.Info("Created log stream")
	}
	return err
}

// Upload sends b tagged with the current token and stores the token returned
func (c *Client) Upload(ctx context.Context, b Batch) (string, error) {
	if b.Len() == 0 {
		return c.Token(), nil
	}
	state := c.State()

	if c.debug {
		first, last := b.TimeRange()
		messages := make([]string, len(b.Events))
		for i, ev := range b.Events {
			messages[i] = ev.Message
		}
		c.log.WithFields(logrus.Fields{
			"seq":      c.seq + 1,
			"events":   b.Len(),
			"bytes":    b.Bytes,
			"first":    first,
			"last":     last,
			"token":    state.Token,
			"messages": messages,
		}).Info("Outbound batch")
	}

	next, err := c.api.PutEvents(ctx, state.Group, state.Name, state.Token, b.Events)
	if err != nil {
		return "", err
	}

	c.adopt(next)
	c.delivered(b)
	return next, nil
}

// Token returns the continuation token that the next upload will carry
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Token
}

// State returns a copy of the stream state
func (c *Client) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns delivery counters
func (c *Client) Stats() Stats {
	return Stats{
		Batches:    c.batches.Load(),
		Events:     c.events.Load(),
		Bytes:      c.bytes.Load(),
		Recoveries: c.recoveries.Load(),
		Retries:    c.retries.Load(),
	}
}

func (c *Client) adopt(token string) {
	c.mu.Lock()
	c.state.Token = token
	c.mu.Unlock()
}

// adoptCorrected adopts the corrected token carried by err
func (c *Client) adoptCorrected(err error) {
	var se *Error
	if !errors.As(err, &se) {
		return
	}
	c.log.WithFields(logrus.Fields{
		"kind":  se.Kind.String(),
		"token": se.Token,
	}).Warn("Adopting corrected sequence token")
	c.adopt(se.Token)
	c.recoveries.Add(1)
}

func (c *Client) deliveryError(b Batch, err error) error {
	first, last := b.TimeRange()
	state := c.State()
	return &DeliveryError{
		Group:  state.Group,
		Stream: state.Name,
		Seq:    c.seq + 1,
		Events: b.Len(),
		First:  first,
		Last:   last,
		Err:    err,
	}
}

func (c *Client) delivered(b Batch) {
	c.seq++
	c.batches.Add(1)
	c.events.Add(int64(b.Len()))
	c.bytes.Add(int64(b.Bytes))
}
