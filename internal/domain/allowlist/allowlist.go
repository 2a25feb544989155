// Package allowlist implements the egress allowlist: the finite set of
// (domain, method, path-prefix) tuples an outbound request must match
// before the proxy forwards it.
package allowlist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Entry is a single allowlist rule. Hostname matching is exact and
// case-insensitive; there is no wildcard or subdomain logic. An empty
// Paths list means any path is permitted.
type Entry struct {
	// Domain is the hostname this entry applies to (e.g. "api.moltbook.com").
	Domain string `json:"domain"`
	// Methods is the set of permitted HTTP methods, uppercased at load.
	Methods []string `json:"methods"`
	// Paths optionally restricts requests to these path prefixes.
	Paths []string `json:"paths,omitempty"`
	// Condition is an optional CEL expression evaluated against the
	// request (host, method, path, port). Evaluation failure denies.
	Condition string `json:"condition,omitempty"`

	methodSet map[string]bool
	program   cel.Program
}

// Decision is the outcome of an allowlist check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config is an immutable, ordered allowlist snapshot. The first entry
// whose domain matches the request host wins; there is no fall-through
// to later entries.
type Config struct {
	Entries []Entry
}

// configFile mirrors the on-disk JSON format:
//
//	{"allowedDomains":[{"domain":"...","methods":["GET"],"paths":["/v1/"]}]}
type configFile struct {
	AllowedDomains []Entry `json:"allowedDomains"`
}

// Parse decodes and normalizes an allowlist from its JSON file format.
// Domains are lowercased, methods uppercased, and CEL conditions compiled.
// A malformed file or condition returns an error and no Config.
func Parse(data []byte) (*Config, error) {
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	if len(file.AllowedDomains) == 0 {
		return nil, fmt.Errorf("parse allowlist: no allowedDomains entries")
	}

	cfg := &Config{Entries: make([]Entry, 0, len(file.AllowedDomains))}
	for i, e := range file.AllowedDomains {
		if e.Domain == "" {
			return nil, fmt.Errorf("parse allowlist: entry %d has no domain", i)
		}
		if len(e.Methods) == 0 {
			return nil, fmt.Errorf("parse allowlist: entry %d (%s) has no methods", i, e.Domain)
		}

		e.Domain = strings.ToLower(strings.TrimSpace(e.Domain))
		e.methodSet = make(map[string]bool, len(e.Methods))
		for j, m := range e.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			e.Methods[j] = m
			e.methodSet[m] = true
		}

		if e.Condition != "" {
			prg, err := compileCondition(e.Condition)
			if err != nil {
				return nil, fmt.Errorf("parse allowlist: entry %d (%s): %w", i, e.Domain, err)
			}
			e.program = prg
		}

		cfg.Entries = append(cfg.Entries, e)
	}

	return cfg, nil
}

// Domains returns the domain names of all entries, in order.
func (c *Config) Domains() []string {
	domains := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		domains[i] = e.Domain
	}
	return domains
}

// Check decides whether a request to host with the given method and path
// is permitted. The deny reasons are stable strings surfaced verbatim in
// 403 bodies and audit records.
func (c *Config) Check(host, method, path string, port int) Decision {
	host = strings.ToLower(host)
	method = strings.ToUpper(method)

	for _, e := range c.Entries {
		if e.Domain != host {
			continue
		}

		if !e.methodSet[method] {
			return Decision{Reason: fmt.Sprintf("Method %s not allowed for %s", method, host)}
		}

		if len(e.Paths) > 0 {
			matched := false
			for _, p := range e.Paths {
				if strings.HasPrefix(path, p) {
					matched = true
					break
				}
			}
			if !matched {
				return Decision{Reason: fmt.Sprintf("Path %s not in allowed paths for %s", path, host)}
			}
		}

		if e.program != nil {
			ok, err := evalCondition(e.program, host, method, path, port)
			if err != nil || !ok {
				// Fail closed on evaluation errors.
				return Decision{Reason: fmt.Sprintf("Condition not satisfied for %s", host)}
			}
		}

		return Decision{Allowed: true}
	}

	return Decision{Reason: fmt.Sprintf("Domain not in allowlist: %s", host)}
}

// CheckTunnel decides whether a CONNECT tunnel to host:port is
// permitted. The matching entry must list CONNECT among its methods;
// path restrictions do not apply because a tunnel carries no
// observable path.
func (c *Config) CheckTunnel(host string, port int) Decision {
	host = strings.ToLower(host)

	for _, e := range c.Entries {
		if e.Domain != host {
			continue
		}

		if !e.methodSet["CONNECT"] {
			return Decision{Reason: fmt.Sprintf("Method CONNECT not allowed for %s", host)}
		}

		if e.program != nil {
			ok, err := evalCondition(e.program, host, "CONNECT", "", port)
			if err != nil || !ok {
				return Decision{Reason: fmt.Sprintf("Condition not satisfied for %s", host)}
			}
		}

		return Decision{Allowed: true}
	}

	return Decision{Reason: fmt.Sprintf("Domain not in allowlist: %s", host)}
}
