package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// memoryTopLevelFields is the closed set of keys a memory file may carry.
var memoryTopLevelFields = map[string]bool{
	"version":   true,
	"run_id":    true,
	"run_start": true,
	"run_end":   true,
	"entries":   true,
	"stats":     true,
}

// ValidateMemory validates a serialized memory file against the full
// schema: top-level shape, run identifier, timestamps, the entry union,
// and stats. All issues are accumulated into a single ValidationError.
// A syntactically broken body returns ErrInvalidJSON instead.
func ValidateMemory(data []byte) (*MemoryFile, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	if len(data) > MaxMemoryBytes {
		return nil, &ValidationError{Issues: []string{
			fmt.Sprintf("body: exceeds %d bytes", MaxMemoryBytes),
		}}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Issues: []string{"body: must be a JSON object"}}
	}

	var issues []string

	// Unknown top-level fields are rejected. Sorted for stable messages.
	var unknown []string
	for key := range raw {
		if !memoryTopLevelFields[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		issues = append(issues, fmt.Sprintf("%s: unknown field", key))
	}

	m := &MemoryFile{}

	if v, ok := raw["version"]; !ok {
		issues = append(issues, "version: is required")
	} else if err := json.Unmarshal(v, &m.Version); err != nil {
		issues = append(issues, "version: must be an integer")
	} else if m.Version != 1 {
		issues = append(issues, "version: must be 1")
	}

	m.RunID, issues = stringField(raw, "run_id", issues)
	if m.RunID != "" {
		if len(m.RunID) > MaxIDLength {
			issues = append(issues, fmt.Sprintf("run_id: must be at most %d characters", MaxIDLength))
		} else if !runIDPattern.MatchString(m.RunID) {
			issues = append(issues, "run_id: is not a valid run id")
		}
	}

	m.RunStart, issues = timestampField(raw, "run_start", issues)
	m.RunEnd, issues = timestampField(raw, "run_end", issues)

	if v, ok := raw["entries"]; !ok {
		issues = append(issues, "entries: is required")
	} else {
		var rawEntries []json.RawMessage
		if err := json.Unmarshal(v, &rawEntries); err != nil {
			issues = append(issues, "entries: must be an array")
		} else if len(rawEntries) > MaxEntries {
			issues = append(issues, fmt.Sprintf("entries: must have at most %d elements", MaxEntries))
		} else {
			m.Entries = make([]Entry, 0, len(rawEntries))
			for i, rawEntry := range rawEntries {
				entry, entryIssues := validateEntry(rawEntry, i)
				issues = append(issues, entryIssues...)
				if len(entryIssues) == 0 {
					m.Entries = append(m.Entries, entry)
				}
			}
		}
	}

	if v, ok := raw["stats"]; !ok {
		issues = append(issues, "stats: is required")
	} else if err := strictUnmarshal(v, &m.Stats); err != nil {
		if name := unknownFieldName(err); name != "" {
			issues = append(issues, fmt.Sprintf("stats.%s: unknown field", name))
		} else {
			issues = append(issues, "stats: must be an object of integer counters")
		}
	} else {
		issues = append(issues, issuesFromStruct(&m.Stats, "stats.")...)
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return m, nil
}

// validateEntry validates one element of the entries array, returning
// the decoded union arm and any issues prefixed with "entries[i].".
func validateEntry(data json.RawMessage, index int) (Entry, []string) {
	prefix := fmt.Sprintf("entries[%d].", index)

	var tag struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return Entry{}, []string{fmt.Sprintf("entries[%d]: must be an object", index)}
	}
	if tag.Type == nil {
		return Entry{}, []string{prefix + "type: is required"}
	}

	decode := func(arm any) []string {
		if err := strictUnmarshal(data, arm); err != nil {
			if name := unknownFieldName(err); name != "" {
				return []string{prefix + name + ": unknown field"}
			}
			return []string{fmt.Sprintf("entries[%d]: %v", index, err)}
		}
		return issuesFromStruct(arm, prefix)
	}

	switch *tag.Type {
	case EntryTypePostSeen:
		var arm PostSeenEntry
		if issues := decode(&arm); len(issues) > 0 {
			return Entry{}, issues
		}
		return Entry{PostSeen: &arm}, nil
	case EntryTypePostMade:
		var arm PostMadeEntry
		if issues := decode(&arm); len(issues) > 0 {
			return Entry{}, issues
		}
		return Entry{PostMade: &arm}, nil
	case EntryTypeThreadTracked:
		var arm ThreadTrackedEntry
		if issues := decode(&arm); len(issues) > 0 {
			return Entry{}, issues
		}
		return Entry{ThreadTracked: &arm}, nil
	default:
		return Entry{}, []string{fmt.Sprintf("%stype: unknown entry type %q", prefix, *tag.Type)}
	}
}

// stringField extracts a required string field, appending issues on
// absence or type mismatch.
func stringField(raw map[string]json.RawMessage, name string, issues []string) (string, []string) {
	v, ok := raw[name]
	if !ok {
		return "", append(issues, name+": is required")
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", append(issues, name+": must be a string")
	}
	if s == "" {
		return "", append(issues, name+": is required")
	}
	return s, issues
}

// timestampField extracts a required ISO-8601 UTC timestamp field.
func timestampField(raw map[string]json.RawMessage, name string, issues []string) (string, []string) {
	s, issues := stringField(raw, name, issues)
	if s != "" && !isISO8601UTC(s) {
		issues = append(issues, name+": must be an ISO-8601 UTC timestamp")
	}
	return s, issues
}
