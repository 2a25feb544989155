package proxy

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltbook/shellgate/internal/domain/audit"
)

// dialTimeout bounds the upstream TCP dial for tunnels.
const dialTimeout = 10 * time.Second

// handleConnect enforces the allowlist, then splices a raw TCP tunnel.
// The tunnel's audit record is written after the tunnel closes so
// DurationMs covers the whole session.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	host, port := splitHostPort(r.Host, 443)

	rec := audit.Record{
		RequestID: requestID,
		Method:    http.MethodConnect,
		Hostname:  host,
		Port:      port,
	}

	decision := s.allow.Current().CheckTunnel(host, port)
	if !decision.Allowed {
		rec.BlockedReason = decision.Reason
		rec.ResponseStatus = http.StatusForbidden
		rec.DurationMs = time.Since(start).Milliseconds()
		s.audit.Log(rec)
		s.metrics.ObserveRequest("tunnel", http.StatusForbidden, time.Since(start))

		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "Forbidden",
			"reason": decision.Reason,
		})
		return
	}

	targetConn, err := net.DialTimeout("tcp", r.Host, dialTimeout)
	if err != nil {
		s.logger.Error("tunnel dial failed", "host", r.Host, "error", err)
		rec.Allowed = true
		rec.ResponseStatus = http.StatusBadGateway
		rec.DurationMs = time.Since(start).Milliseconds()
		s.audit.Log(rec)
		s.metrics.ObserveRequest("tunnel", http.StatusBadGateway, time.Since(start))

		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		})
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		targetConn.Close()
		s.logger.Error("response writer does not support hijack")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal error"})
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		targetConn.Close()
		s.logger.Error("hijack failed", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		targetConn.Close()
		return
	}

	bytesUp, bytesDown := s.splice(clientConn, targetConn)

	rec.Allowed = true
	rec.ResponseStatus = http.StatusOK
	rec.DurationMs = time.Since(start).Milliseconds()
	s.audit.Log(rec)
	s.metrics.ObserveRequest("tunnel", http.StatusOK, time.Since(start))
	s.metrics.AddTunnelBytes(bytesUp + bytesDown)
}

// splice relays bytes in both directions until both sides are done,
// half-closing each direction as its copy finishes.
func (s *Server) splice(clientConn, targetConn net.Conn) (up, down int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		up, _ = io.Copy(targetConn, clientConn)
		if tc, ok := targetConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		down, _ = io.Copy(clientConn, targetConn)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	wg.Wait()
	clientConn.Close()
	targetConn.Close()
	return up, down
}
