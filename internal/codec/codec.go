// Package codec turns raw log lines into sink events.
//
// Lines are split on their UTF-8 byte representation. Each split point is
// moved back to the start of the rune it would cut, so the next piece
// begins with the complete rune. Bytes that are not valid UTF-8 are
// dropped rather than failing the line.
package codec

import (
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
	"github.com/mumzworld-tech/containerwatch/internal/source"
)

// Events returns the events for line, none of whose messages exceed budget
// bytes. The sequence is lazy and may be ranged over more than once.
// An empty line yields no events.
func Events(line source.LogLine, budget int) iter.Seq[sink.Event] {
	if budget < 1 {
		budget = 1
	}
	return func(yield func(sink.Event) bool) {
		data := line.Data
		for start := 0; start < len(data); {
			end := cut(data, start, budget)
			msg := decode(data[start:end])
			start = end

			if msg == "" {
				continue
			}
			if !yield(sink.Event{Timestamp: line.Timestamp, Message: msg}) {
				return
			}
		}
	}
}

// Split is Events collected into a slice
func Split(line source.LogLine, budget int) []sink.Event {
	var out []sink.Event
	for ev := range Events(line, budget) {
		out = append(out, ev)
	}
	return out
}

// cut returns the end of the piece starting at start
func cut(data []byte, start, budget int) int {
	end := start + budget
	if end >= len(data) {
		return len(data)
	}
	for i := end; i > start && end-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			return i
		}
	}
	// budget is smaller than the rune at start
	return end
}

func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "")
}
