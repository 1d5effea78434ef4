package infra

import (
	"context"
	"net/http"
	"time"
)

// readHeaderTimeout bounds how long a client may take to send its headers.
// Not configurable; no deployment has needed to tune it.
const readHeaderTimeout = 5 * time.Second

// HTTPServer owns the API listener lifecycle. Construction and shutdown live
// here so the main stays a wiring script.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer builds the API server on the configured port and timeouts.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
		},
	}
}

// Start serves requests until Shutdown is called or the listener fails. It
// blocks; callers run it on its own goroutine.
func (s *HTTPServer) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
