// Package audit contains domain types for the proxy's audit log. Every
// proxied or local request produces exactly one Record on stdout.
package audit

// Event values for records not tied to a proxied request.
const (
	// EventShutdown is emitted once when the server drains and exits.
	EventShutdown = "shutdown"
)

// Record is one line of the audit stream. Zero-valued optional fields
// are omitted so tunnel, forward, and local-endpoint records each carry
// only the fields that apply.
type Record struct {
	// Timestamp in "2006-01-02T15:04:05.000Z" UTC form. Filled by the
	// logger when empty.
	Timestamp string `json:"timestamp"`
	// RequestID correlates the record with response bodies and logs.
	RequestID string `json:"request_id,omitempty"`
	// Method is the HTTP method, or CONNECT for tunnels.
	Method string `json:"method,omitempty"`
	// Hostname is the target host without port.
	Hostname string `json:"hostname,omitempty"`
	// Port is the target port.
	Port int `json:"port,omitempty"`
	// Path is the request path. Empty for CONNECT tunnels.
	Path string `json:"path,omitempty"`
	// Allowed reports the access decision.
	Allowed bool `json:"allowed"`
	// Sanitized reports whether the response body was modified.
	Sanitized bool `json:"sanitized"`
	// BlockedReason is the exact denial reason when Allowed is false.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// InjectionPatterns names the sanitizer categories that fired.
	InjectionPatterns []string `json:"injection_patterns,omitempty"`
	// ResponseStatus is the status returned to the agent.
	ResponseStatus int `json:"response_status,omitempty"`
	// DurationMs is wall time from accept to completion.
	DurationMs int64 `json:"duration_ms"`
	// Event marks lifecycle records such as shutdown.
	Event string `json:"event,omitempty"`
}

// Logger emits audit records and operational errors.
// Interface owned by domain per hexagonal architecture.
type Logger interface {
	// Log writes one record as a single line. Must be safe for
	// concurrent use.
	Log(rec Record)

	// LogError writes a structured error line on the same stream.
	LogError(msg string, err error)
}
