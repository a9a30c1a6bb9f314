// Package fileserve exposes a host directory to a device over HTTP for the
// lifetime of one operation.
package fileserve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server serves the files of one directory under /files/.
type Server struct {
	dir      string
	base     string
	listener net.Listener
	srv      *http.Server
	log      zerolog.Logger
	done     chan struct{}
}

// Start serves dir on an ephemeral port bound to hostIP. URLs handed to the
// device use hostIP as well, so it must be reachable from the device. An
// empty hostIP binds loopback.
func Start(dir, hostIP string, logger zerolog.Logger) (*Server, error) {
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(hostIP, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", hostIP, err)
	}

	s := &Server{
		dir:      dir,
		base:     "http://" + listener.Addr().String(),
		listener: listener,
		log:      logger.With().Str("component", "fileserve").Logger(),
		done:     make(chan struct{}),
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("file server stopped")
		}
	}()
	s.log.Info().Str("dir", dir).Str("url", s.base).Msg("serving files")
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(s.dir))))
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("served request")
	})
}

// URL returns the address at which the device can fetch name.
func (s *Server) URL(name string) string {
	return s.base + "/files/" + (&url.URL{Path: path.Clean(name)}).EscapedPath()
}

// Close stops the server and waits for it to exit.
func (s *Server) Close(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	if err != nil {
		return fmt.Errorf("failed to stop file server: %w", err)
	}
	return nil
}
