// Package schema validates the three structured JSON shapes the proxy
// accepts on its write endpoints: memory files, post requests, and vote
// requests. Validation is purely structural; every failure is reported
// as an accumulated "path: message" list.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Bounds shared by the validators.
const (
	// MaxMemoryBytes bounds a serialized memory file.
	MaxMemoryBytes = 1 << 20
	// MaxEntries bounds the memory file entry list.
	MaxEntries = 10_000
	// MaxIDLength bounds run IDs and entity IDs.
	MaxIDLength = 128
	// MaxContentLength bounds post content.
	MaxContentLength = 500
	// MaxTitleLength bounds post titles.
	MaxTitleLength = 300
)

// Entry type tags for the memory file entry union.
const (
	EntryTypePostSeen      = "post_seen"
	EntryTypePostMade      = "post_made"
	EntryTypeThreadTracked = "thread_tracked"
)

// MemoryFile is the agent's structured state snapshot persisted through
// POST /memory.
type MemoryFile struct {
	Version  int     `json:"version"`
	RunID    string  `json:"run_id"`
	RunStart string  `json:"run_start"`
	RunEnd   string  `json:"run_end"`
	Entries  []Entry `json:"entries"`
	Stats    Stats   `json:"stats"`
}

// Stats aggregates the run's activity counters. All values are
// non-negative.
type Stats struct {
	PostsRead      int `json:"posts_read" validate:"min=0"`
	PostsMade      int `json:"posts_made" validate:"min=0"`
	Upvotes        int `json:"upvotes" validate:"min=0"`
	ThreadsTracked int `json:"threads_tracked" validate:"min=0"`
}

// Entry is a tagged union over the three entry variants. Exactly one arm
// is non-nil.
type Entry struct {
	PostSeen      *PostSeenEntry
	PostMade      *PostMadeEntry
	ThreadTracked *ThreadTrackedEntry
}

// PostSeenEntry records a post the agent read.
type PostSeenEntry struct {
	Type       string `json:"type" validate:"required,eq=post_seen"`
	PostID     string `json:"post_id" validate:"required,max=128,entityid"`
	Timestamp  string `json:"timestamp" validate:"required,iso8601utc"`
	TopicLabel string `json:"topic_label" validate:"required,oneof=ai_safety agent_design moltbook_meta social technical other"`
	Sentiment  string `json:"sentiment" validate:"required,oneof=positive neutral negative"`
}

// PostMadeEntry records a write action the agent performed.
type PostMadeEntry struct {
	Type      string `json:"type" validate:"required,eq=post_made"`
	PostID    string `json:"post_id" validate:"required,max=128,entityid"`
	ThreadID  string `json:"thread_id" validate:"required,max=128,entityid"`
	Timestamp string `json:"timestamp" validate:"required,iso8601utc"`
	Action    string `json:"action" validate:"required,oneof=reply new_post upvote"`
}

// ThreadTrackedEntry records a thread the agent is following.
type ThreadTrackedEntry struct {
	Type            string `json:"type" validate:"required,eq=thread_tracked"`
	ThreadID        string `json:"thread_id" validate:"required,max=128,entityid"`
	TopicLabel      string `json:"topic_label" validate:"required,oneof=ai_safety agent_design moltbook_meta social technical other"`
	FirstSeen       string `json:"first_seen" validate:"required,iso8601utc"`
	LastInteraction string `json:"last_interaction" validate:"required,iso8601utc"`
}

// TypeTag returns the union tag of the populated arm, or "" for an empty
// entry.
func (e Entry) TypeTag() string {
	switch {
	case e.PostSeen != nil:
		return EntryTypePostSeen
	case e.PostMade != nil:
		return EntryTypePostMade
	case e.ThreadTracked != nil:
		return EntryTypeThreadTracked
	}
	return ""
}

// MarshalJSON emits the populated arm flat, so a validated memory file
// round-trips byte-compatibly through encoding/json.
func (e Entry) MarshalJSON() ([]byte, error) {
	switch {
	case e.PostSeen != nil:
		return json.Marshal(e.PostSeen)
	case e.PostMade != nil:
		return json.Marshal(e.PostMade)
	case e.ThreadTracked != nil:
		return json.Marshal(e.ThreadTracked)
	}
	return nil, errors.New("schema: empty entry")
}

// UnmarshalJSON dispatches on the "type" tag before decoding the
// arm-specific fields. Unknown tags and unknown arm fields are rejected.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	switch tag.Type {
	case EntryTypePostSeen:
		var arm PostSeenEntry
		if err := strictUnmarshal(data, &arm); err != nil {
			return err
		}
		*e = Entry{PostSeen: &arm}
	case EntryTypePostMade:
		var arm PostMadeEntry
		if err := strictUnmarshal(data, &arm); err != nil {
			return err
		}
		*e = Entry{PostMade: &arm}
	case EntryTypeThreadTracked:
		var arm ThreadTrackedEntry
		if err := strictUnmarshal(data, &arm); err != nil {
			return err
		}
		*e = Entry{ThreadTracked: &arm}
	default:
		return fmt.Errorf("unknown entry type %q", tag.Type)
	}
	return nil
}

// PostRequest is the body of POST /post. ThreadID selects the comments
// endpoint; without it the post goes to the top-level posts endpoint.
type PostRequest struct {
	Content     string `json:"content" validate:"required,max=500"`
	ThreadID    string `json:"thread_id,omitempty" validate:"omitempty,max=128,entityid"`
	Title       string `json:"title,omitempty" validate:"omitempty,min=1,max=300"`
	SubmoltName string `json:"submolt_name,omitempty" validate:"omitempty,min=1,max=128"`
}

// VoteRequest is the body of POST /vote.
type VoteRequest struct {
	PostID string `json:"post_id" validate:"required,max=128,entityid"`
}
