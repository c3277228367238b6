package sink

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure reported by the sink
type Kind int

const (
	KindUnclassified Kind = iota
	KindAlreadyExists
	KindNotFound
	KindDataAlreadyAccepted
	KindStaleToken
	KindTransient
	KindInvalidCredentials
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyExists:
		return "already-exists"
	case KindNotFound:
		return "not-found"
	case KindDataAlreadyAccepted:
		return "data-already-accepted"
	case KindStaleToken:
		return "stale-token"
	case KindTransient:
		return "transient"
	case KindInvalidCredentials:
		return "invalid-credentials"
	default:
		return "unclassified"
	}
}

// Error is a sink failure decoded once at the API boundary
type Error struct {
	Kind  Kind
	Op    string
	Token string // corrected token for KindDataAlreadyAccepted and KindStaleToken
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindUnclassified when err carries no *Error
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnclassified
}

// IsKind reports whether err is a sink error of the given kind
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// SetupError reports a failure to prepare the stream for uploads
type SetupError struct {
	Group  string
	Stream string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setting up stream %s/%s: %v", e.Group, e.Stream, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// DeliveryError names a batch that could not be delivered.
// Unsent counts the events of the same window that were queued behind it
// and were abandoned with it; UnsentFirst and UnsentLast bound their timestamps.
type DeliveryError struct {
	Group  string
	Stream string
	Seq    int // 1-based position of the batch in the stream
	Events int
	First  int64
	Last   int64
	Err    error

	Unsent      int
	UnsentFirst int64
	UnsentLast  int64
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("batch %d of %s/%s lost (%d events, %s to %s)",
		e.Seq, e.Group, e.Stream, e.Events,
		millis(e.First).Format(time.RFC3339Nano), millis(e.Last).Format(time.RFC3339Nano))
	if e.Unsent > 0 {
		msg += fmt.Sprintf(", %d later events not sent (%s to %s)", e.Unsent,
			millis(e.UnsentFirst).Format(time.RFC3339Nano), millis(e.UnsentLast).Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// AddUnsent records ev as abandoned after the failed batch
func (e *DeliveryError) AddUnsent(ev Event) {
	if e.Unsent == 0 || ev.Timestamp < e.UnsentFirst {
		e.UnsentFirst = ev.Timestamp
	}
	if e.Unsent == 0 || ev.Timestamp > e.UnsentLast {
		e.UnsentLast = ev.Timestamp
	}
	e.Unsent++
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
