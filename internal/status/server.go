// Package status serves the state of running streams over HTTP.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/mumzworld-tech/containerwatch/internal/driver"
)

// Reporter is implemented by *driver.Driver
type Reporter interface {
	Snapshot() driver.Snapshot
}

type health struct {
	Status  string `json:"status"`
	Streams int    `json:"streams"`
	Failed  int    `json:"failed"`
}

// Server exposes /healthz and /streams
type Server struct {
	server    *http.Server
	listener  net.Listener
	reporters []Reporter
	log       *logrus.Entry
}

// NewServer creates a status server listening on addr once started
func NewServer(addr string, reporters []Reporter, log *logrus.Entry) *Server {
	s := &Server{reporters: reporters, log: log}
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	return s
}

// Router returns the HTTP routes of the server
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/streams", s.handleStreams)
	return r
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.log.Infof("Starting status server on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Status server error")
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) snapshots() []driver.Snapshot {
	out := make([]driver.Snapshot, len(s.reporters))
	for i, r := range s.reporters {
		out[i] = r.Snapshot()
	}
	return out
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.snapshots())
}

// handleHealth reports unhealthy once any stream stopped with an error
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Streams: len(s.reporters)}
	for _, snap := range s.snapshots() {
		if snap.Failed {
			h.Failed++
		}
	}
	if h.Failed > 0 {
		h.Status = "failing"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, h)
}
