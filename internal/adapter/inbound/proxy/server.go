// Package proxy is the inbound HTTP surface: a forward proxy (CONNECT
// tunnels plus plaintext forwarding) and the local control endpoints,
// all on one listener.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moltbook/shellgate/internal/domain/allowlist"
	"github.com/moltbook/shellgate/internal/domain/audit"
	"github.com/moltbook/shellgate/internal/service"
)

// shutdownTimeout bounds graceful drain on exit.
const shutdownTimeout = 10 * time.Second

// Server owns the listener and dispatches each request to one of three
// arms: CONNECT tunnel, plaintext forward, or local endpoint.
type Server struct {
	allow   *allowlist.Holder
	actions *service.ActionService
	memory  *service.MemoryService
	audit   audit.Logger
	logger  *slog.Logger
	metrics *Metrics

	local   http.Handler
	httpSrv *http.Server
	ln      net.Listener
	started time.Time
}

// NewServer wires the three arms. Call Start to begin serving.
func NewServer(
	port int,
	allow *allowlist.Holder,
	actions *service.ActionService,
	memory *service.MemoryService,
	auditLog audit.Logger,
	logger *slog.Logger,
) (*Server, error) {
	s := &Server{
		allow:   allow,
		actions: actions,
		memory:  memory,
		audit:   auditLog,
		logger:  logger,
		metrics: NewMetrics(),
		started: time.Now(),
	}
	s.local = s.localRouter()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s.ln = ln

	s.httpSrv = &http.Server{
		Handler:        http.HandlerFunc(s.dispatch),
		MaxHeaderBytes: 64 << 10,
		ReadTimeout:    30 * time.Second,
		// No WriteTimeout: tunnels are long-lived.
	}
	// One request per connection keeps tunnel and forward accounting
	// simple; the agent is a local client so the cost is negligible.
	s.httpSrv.SetKeepAlivesEnabled(false)

	return s, nil
}

// Addr returns the bound listener address, usable before Start returns.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves until ctx is cancelled, then drains connections and
// emits the shutdown audit record. It blocks for the server lifetime.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("proxy listening", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	// The announcement goes out before the drain so a hung connection
	// cannot keep it off the stream.
	s.audit.Log(audit.Record{
		Event:      audit.EventShutdown,
		Allowed:    true,
		DurationMs: time.Since(s.started).Milliseconds(),
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// dispatch routes a request to its arm. CONNECT never reaches a mux;
// absolute-form URLs and origin-form requests whose Host names a
// remote origin are forward-proxy requests; everything else is a
// local endpoint.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r)
	case r.URL.IsAbs() || !isLocalHost(r.Host):
		s.handleForward(w, r)
	default:
		s.local.ServeHTTP(w, r)
	}
}

// isLocalHost reports whether a Host header addresses this proxy
// rather than a remote origin. Local-endpoint clients reach the proxy
// by loopback; any other host is egress.
func isLocalHost(hostport string) bool {
	host, _ := splitHostPort(hostport, 0)
	if host == "" || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// splitHostPort splits host[:port], defaulting the port per scheme
// conventions: 443 for CONNECT targets, 80 for forwarded plaintext.
func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.ToLower(hostport), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return strings.ToLower(host), defaultPort
	}
	return strings.ToLower(host), port
}
