package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerLogs is the part of the Docker API client used to read container output
type DockerLogs interface {
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
}

// Docker reads the combined stdout/stderr of a container.
// The container must not have a TTY attached.
type Docker struct {
	api         DockerLogs
	containerID string
}

// NewDocker creates a source for the given container
func NewDocker(api DockerLogs, containerID string) *Docker {
	return &Docker{api: api, containerID: containerID}
}

// Read returns the lines the container logged in (since, until]. Each
// line keeps the timestamp Docker recorded when its first chunk was captured.
func (d *Docker) Read(ctx context.Context, since, until time.Time) ([]LogLine, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Until:      unixArg(until),
	}
	if !since.IsZero() {
		opts.Since = unixArg(since)
	}

	rc, err := d.api.ContainerLogs(ctx, d.containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", d.containerID, err)
	}
	defer rc.Close()

	var c collector
	stdout, stderr := &frameWriter{c: &c}, &frameWriter{c: &c}
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs of container %s: %w", d.containerID, err)
	}
	stdout.close()
	stderr.close()

	lines := make([]LogLine, 0, len(c.lines))
	for _, l := range c.lines {
		if !l.stamped {
			lines = append(lines, LogLine{Data: l.data, Timestamp: until.UnixMilli()})
			continue
		}
		// Docker treats since as inclusive; the previous window already held it.
		if !since.IsZero() && !l.ts.After(since) {
			continue
		}
		lines = append(lines, LogLine{Data: l.data, Timestamp: l.ts.UnixMilli()})
	}
	return lines, nil
}

type stampedLine struct {
	data    []byte
	ts      time.Time
	stamped bool
}

type collector struct {
	lines []stampedLine
}

// frameWriter rebuilds the lines of one output stream from demultiplexed
// frames. StdCopy hands it one frame per Write. Every frame starts with a
// timestamp, and a message longer than the daemon's buffer arrives as
// several frames of which only the last ends in a newline.
type frameWriter struct {
	c    *collector
	cur  stampedLine
	open bool
}

func (w *frameWriter) Write(frame []byte) (int, error) {
	p := frame
	if w.open {
		// continuation chunk of a partial message keeps the first chunk's timestamp
		_, p, _ = cutTimestamp(p)
	}

	var whole, rest []byte
	if i := bytes.LastIndexByte(p, '\n'); i >= 0 {
		whole, rest = p[:i+1], p[i+1:]
	} else {
		rest = p
	}

	for _, l := range SplitLines(whole) {
		if w.open {
			w.cur.data = append(w.cur.data, l...)
		} else {
			w.start(l)
		}
		w.close()
	}

	if len(rest) > 0 {
		if w.open {
			w.cur.data = append(w.cur.data, rest...)
		} else {
			w.start(rest)
		}
	}
	return len(frame), nil
}

func (w *frameWriter) start(line []byte) {
	ts, msg, ok := cutTimestamp(line)
	w.cur = stampedLine{data: append([]byte(nil), msg...), ts: ts, stamped: ok}
	w.open = true
}

// close completes the pending line, if any
func (w *frameWriter) close() {
	if !w.open {
		return
	}
	w.cur.data = bytes.TrimSuffix(w.cur.data, []byte("\r"))
	w.c.lines = append(w.c.lines, w.cur)
	w.cur = stampedLine{}
	w.open = false
}

// cutTimestamp separates the RFC 3339 prefix Docker adds when timestamps are
// requested. Without a parseable prefix p is returned unchanged.
func cutTimestamp(p []byte) (time.Time, []byte, bool) {
	i := bytes.IndexAny(p, " \n")
	if i < 0 {
		i = len(p)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(p[:i]))
	if err != nil {
		return time.Time{}, p, false
	}
	if i < len(p) && p[i] == ' ' {
		i++
	}
	return ts, p[i:], true
}

func unixArg(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}
