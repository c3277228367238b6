package source

import (
	"bytes"
	"context"
	"time"
)

// LogLine is one raw line captured from a workload
type LogLine struct {
	Data      []byte
	Timestamp int64 // capture time, milliseconds since epoch
}

// Source returns the lines a workload emitted in the window (since, until].
// A zero since means from the beginning.
type Source interface {
	Read(ctx context.Context, since, until time.Time) ([]LogLine, error)
}

// SplitLines splits newline-delimited output into lines.
// "\n" and "\r\n" terminators are removed, and a trailing terminator does
// not produce an empty final line.
func SplitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	lines := bytes.Split(data, []byte{'\n'})
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte{'\r'})
	}
	return lines
}
