package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/moltbook/shellgate/internal/domain/audit"
	"github.com/moltbook/shellgate/internal/domain/sanitize"
)

// forwardTimeout bounds a forwarded plaintext request end to end.
const forwardTimeout = 10 * time.Second

// hopHeaders are stripped before forwarding. Proxy-Authorization never
// leaves the proxy.
var hopHeaders = []string{"Proxy-Connection", "Proxy-Authorization"}

// forwardClient follows redirects so the sanitizer sees the final body,
// not an interstitial.
var forwardClient = &http.Client{Timeout: forwardTimeout}

// handleForward proxies a plaintext egress request: allowlist check,
// upstream fetch, response-body sanitization, then relay. Origin-form
// requests resolve their target from the Host header.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	target := r.URL
	if !target.IsAbs() {
		u := *r.URL
		u.Scheme = "http"
		u.Host = r.Host
		target = &u
	}
	host, port := splitHostPort(target.Host, 80)

	rec := audit.Record{
		RequestID: requestID,
		Method:    r.Method,
		Hostname:  host,
		Port:      port,
		Path:      target.Path,
	}
	observe := func(status int) {
		rec.ResponseStatus = status
		rec.DurationMs = time.Since(start).Milliseconds()
		s.audit.Log(rec)
		s.metrics.ObserveRequest("forward", status, time.Since(start))
	}

	decision := s.allow.Current().Check(host, r.Method, target.Path, port)
	if !decision.Allowed {
		rec.BlockedReason = decision.Reason
		observe(http.StatusForbidden)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "Forbidden",
			"reason": decision.Reason,
		})
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		rec.Allowed = true
		observe(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		})
		return
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := forwardClient.Do(out)
	if err != nil {
		rec.Allowed = true
		observe(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rec.Allowed = true
		observe(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		})
		return
	}

	result := sanitize.Sanitize(string(body))
	if result.Sanitized {
		rec.Sanitized = true
		rec.InjectionPatterns = result.Patterns
	}

	header := w.Header()
	for key, values := range resp.Header {
		// Length and framing are recomputed for the sanitized body.
		if key == "Content-Length" || key == "Transfer-Encoding" {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(result.Content)))

	rec.Allowed = true
	observe(resp.StatusCode)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, bytes.NewReader([]byte(result.Content)))
}
