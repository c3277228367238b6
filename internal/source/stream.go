package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type captured struct {
	data []byte
	at   time.Time
}

// Stream tails a continuous newline-delimited byte stream such as a pipe.
// Lines are stamped with the time they were read.
type Stream struct {
	mu      sync.Mutex
	pending []captured
	err     error
	done    chan struct{}
	now     func() time.Time
}

// NewStream starts reading r in the background
func NewStream(r io.Reader) *Stream {
	return newStream(r, time.Now)
}

func newStream(r io.Reader, now func() time.Time) *Stream {
	s := &Stream{done: make(chan struct{}), now: now}
	go s.tail(r)
	return s
}

func (s *Stream) tail(r io.Reader) {
	defer close(s.done)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSuffix(bytes.TrimSuffix(line, []byte{'\n'}), []byte{'\r'})
			s.mu.Lock()
			s.pending = append(s.pending, captured{data: line, at: s.now()})
			s.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// Read returns the lines captured at or before until that were not returned yet.
// Lines are only ever returned once, so since is not consulted.
func (s *Stream) Read(_ context.Context, _, until time.Time) ([]LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.pending) && !s.pending[n].at.After(until) {
		n++
	}
	lines := make([]LogLine, n)
	for i, c := range s.pending[:n] {
		lines[i] = LogLine{Data: c.data, Timestamp: c.at.UnixMilli()}
	}
	s.pending = s.pending[n:]

	if n == 0 && s.err != nil {
		return nil, s.err
	}
	return lines, nil
}

// Done is closed when the underlying reader is exhausted
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
