// Package sinktest provides an in-memory sink for tests.
package sinktest

import (
	"context"
	"strconv"
	"sync"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
)

// Call records one PutEvents invocation
type Call struct {
	Group  string
	Stream string
	Token  string
	Events []sink.Event
}

// Fake is a scripted in-memory sink.API. Successful uploads return
// tokens "1", "2", ... in order. Queued failures are returned, one per
// call, before any upload is accepted.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	failures []error
	streams  map[string]sink.StreamInfo
	groups   map[string]bool
	issued   int
}

// New creates an empty fake with no groups or streams
func New() *Fake {
	return &Fake{
		streams: make(map[string]sink.StreamInfo),
		groups:  make(map[string]bool),
	}
}

// AddStream registers an existing stream holding token
func (f *Fake) AddStream(group, stream, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group] = true
	f.streams[group+"/"+stream] = sink.StreamInfo{Exists: true, Token: token}
}

// FailNext queues err to be returned by the next PutEvents call
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

// Calls returns every PutEvents invocation so far
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) DescribeStream(_ context.Context, group, stream string) (sink.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.groups[group] {
		return sink.StreamInfo{}, &sink.Error{Kind: sink.KindNotFound, Op: "DescribeLogStreams"}
	}
	return f.streams[group+"/"+stream], nil
}

func (f *Fake) CreateGroup(_ context.Context, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[group] {
		return &sink.Error{Kind: sink.KindAlreadyExists, Op: "CreateLogGroup"}
	}
	f.groups[group] = true
	return nil
}

func (f *Fake) CreateStream(_ context.Context, group, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.groups[group] {
		return &sink.Error{Kind: sink.KindNotFound, Op: "CreateLogStream"}
	}
	key := group + "/" + stream
	if f.streams[key].Exists {
		return &sink.Error{Kind: sink.KindAlreadyExists, Op: "CreateLogStream"}
	}
	f.streams[key] = sink.StreamInfo{Exists: true}
	return nil
}

func (f *Fake) PutEvents(_ context.Context, group, stream, token string, events []sink.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make([]sink.Event, len(events))
	copy(copied, events)
	f.calls = append(f.calls, Call{Group: group, Stream: stream, Token: token, Events: copied})

	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return "", err
	}

	f.issued++
	next := strconv.Itoa(f.issued)
	f.streams[group+"/"+stream] = sink.StreamInfo{Exists: true, Token: next}
	return next, nil
}
