// Package service contains application services wiring the domain
// packages to the inbound and outbound adapters.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moltbook/shellgate/internal/adapter/outbound/moltbook"
	"github.com/moltbook/shellgate/internal/domain/audit"
	"github.com/moltbook/shellgate/internal/domain/ratelimit"
	"github.com/moltbook/shellgate/internal/domain/sanitize"
	"github.com/moltbook/shellgate/internal/domain/schema"
)

// Response is what a service hands back to the HTTP layer: a status and
// a JSON-encodable body.
type Response struct {
	Status int
	Body   any
}

// ActionService handles the proxied write actions: posts, comments, and
// votes. Every call produces exactly one audit record.
type ActionService struct {
	limiter  *ratelimit.Limiter
	upstream moltbook.API
	audit    audit.Logger
	now      func() time.Time
}

// NewActionService wires the action pipeline.
func NewActionService(limiter *ratelimit.Limiter, upstream moltbook.API, auditLog audit.Logger) *ActionService {
	return &ActionService{
		limiter:  limiter,
		upstream: upstream,
		audit:    auditLog,
		now:      time.Now,
	}
}

// SubmitPost runs the /post pipeline: validate, check both post
// windows, sanitize outbound text, call upstream, and record quota only
// on upstream success.
func (s *ActionService) SubmitPost(ctx context.Context, raw []byte, requestID string) Response {
	start := s.now()
	rec := audit.Record{
		RequestID: requestID,
		Method:    "POST",
		Path:      "/post",
	}
	defer func() {
		rec.DurationMs = s.now().Sub(start).Milliseconds()
		s.audit.Log(rec)
	}()

	req, resp := validatePost(raw)
	if resp != nil {
		rec.BlockedReason = blockedReason(*resp)
		rec.ResponseStatus = resp.Status
		return *resp
	}

	for _, key := range []string{ratelimit.KeyPostHourly, ratelimit.KeyPostDaily} {
		if d := s.limiter.Check(key); !d.Allowed {
			rec.BlockedReason = d.Reason
			rec.ResponseStatus = 429
			return Response{Status: 429, Body: map[string]any{
				"error":  "Rate limit exceeded",
				"reason": d.Reason,
			}}
		}
	}

	content, contentResult, err := sanitizeOutbound(req.Content)
	if err != nil {
		rec.BlockedReason = "Sanitizer failure"
		rec.ResponseStatus = 400
		s.audit.LogError("sanitize post content", err)
		return Response{Status: 400, Body: map[string]any{
			"error":    "Content contains disallowed patterns",
			"patterns": []string{"sanitizer_failure"},
		}}
	}
	title, titleResult, err := sanitizeOutbound(req.Title)
	if err != nil {
		rec.BlockedReason = "Sanitizer failure"
		rec.ResponseStatus = 400
		s.audit.LogError("sanitize post title", err)
		return Response{Status: 400, Body: map[string]any{
			"error":    "Content contains disallowed patterns",
			"patterns": []string{"sanitizer_failure"},
		}}
	}

	if contentResult.Sanitized || titleResult.Sanitized {
		patterns := mergePatterns(contentResult.Patterns, titleResult.Patterns)
		rec.Sanitized = true
		rec.BlockedReason = "Content contains disallowed patterns"
		rec.InjectionPatterns = patterns
		rec.ResponseStatus = 400
		return Response{Status: 400, Body: map[string]any{
			"error":    "Content contains disallowed patterns",
			"patterns": patterns,
		}}
	}

	var result moltbook.Result
	if req.ThreadID != "" {
		result, err = s.upstream.CreateComment(ctx, req.ThreadID, commentPayload(content))
	} else {
		result, err = s.upstream.CreatePost(ctx, postPayload(content, title, req.SubmoltName))
	}
	if err != nil {
		rec.BlockedReason = "Failed to reach upstream"
		rec.ResponseStatus = 502
		return Response{Status: 502, Body: map[string]any{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		}}
	}
	if !result.OK() {
		rec.ResponseStatus = 502
		rec.Allowed = true
		return Response{Status: 502, Body: upstreamErrorBody(result)}
	}

	s.limiter.Record(ratelimit.KeyPostHourly)
	s.limiter.Record(ratelimit.KeyPostDaily)

	rec.Allowed = true
	rec.ResponseStatus = 200
	return Response{Status: 200, Body: map[string]any{
		"ok":              true,
		"moltbook_status": result.Status,
		"data":            decodeOrRaw(result.Body),
	}}
}

// SubmitVote runs the /vote pipeline. Votes carry no free text so there
// is no sanitizer stage.
func (s *ActionService) SubmitVote(ctx context.Context, raw []byte, requestID string) Response {
	start := s.now()
	rec := audit.Record{
		RequestID: requestID,
		Method:    "POST",
		Path:      "/vote",
	}
	defer func() {
		rec.DurationMs = s.now().Sub(start).Milliseconds()
		s.audit.Log(rec)
	}()

	req, resp := validateVote(raw)
	if resp != nil {
		rec.BlockedReason = blockedReason(*resp)
		rec.ResponseStatus = resp.Status
		return *resp
	}

	if d := s.limiter.Check(ratelimit.KeyVoteHourly); !d.Allowed {
		rec.BlockedReason = d.Reason
		rec.ResponseStatus = 429
		return Response{Status: 429, Body: map[string]any{
			"error":  "Rate limit exceeded",
			"reason": d.Reason,
		}}
	}

	result, err := s.upstream.Upvote(ctx, req.PostID)
	if err != nil {
		rec.BlockedReason = "Failed to reach upstream"
		rec.ResponseStatus = 502
		return Response{Status: 502, Body: map[string]any{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		}}
	}
	if !result.OK() {
		rec.ResponseStatus = 502
		rec.Allowed = true
		return Response{Status: 502, Body: upstreamErrorBody(result)}
	}

	s.limiter.Record(ratelimit.KeyVoteHourly)

	rec.Allowed = true
	rec.ResponseStatus = 200
	return Response{Status: 200, Body: map[string]any{
		"ok":              true,
		"moltbook_status": result.Status,
		"data":            decodeOrRaw(result.Body),
	}}
}

// validatePost maps schema errors to their HTTP responses. A nil
// Response means the request is valid.
func validatePost(raw []byte) (*schema.PostRequest, *Response) {
	req, err := schema.ValidatePostRequest(raw)
	if err != nil {
		return nil, validationResponse(err)
	}
	return req, nil
}

func validateVote(raw []byte) (*schema.VoteRequest, *Response) {
	req, err := schema.ValidateVoteRequest(raw)
	if err != nil {
		return nil, validationResponse(err)
	}
	return req, nil
}

func validationResponse(err error) *Response {
	if errors.Is(err, schema.ErrInvalidJSON) {
		return &Response{Status: 400, Body: map[string]any{"error": "Invalid JSON"}}
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return &Response{Status: 400, Body: map[string]any{
			"error":   "Invalid request",
			"details": verr.Issues,
		}}
	}
	return &Response{Status: 400, Body: map[string]any{"error": "Invalid request"}}
}

// sanitizeOutbound wraps the sanitizer with panic recovery. A panicking
// catalog entry fails closed rather than letting raw text through.
func sanitizeOutbound(content string) (out string, res sanitize.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sanitizer panic: %v", r)
		}
	}()
	res = sanitize.Sanitize(content)
	return res.Content, res, nil
}

func mergePatterns(lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, list := range lists {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				merged = append(merged, p)
			}
		}
	}
	return merged
}

func postPayload(content, title, submolt string) map[string]any {
	payload := map[string]any{"content": content}
	if title != "" {
		payload["title"] = title
	}
	if submolt != "" {
		payload["submolt_name"] = submolt
	}
	return payload
}

func commentPayload(content string) map[string]any {
	return map[string]any{"content": content}
}

func upstreamErrorBody(result moltbook.Result) map[string]any {
	return map[string]any{
		"error":  "Upstream error",
		"status": result.Status,
		"body":   decodeOrRaw(result.Body),
	}
}

// decodeOrRaw returns the body as parsed JSON when possible, otherwise
// as a string.
func decodeOrRaw(body []byte) any {
	var v any
	if len(body) > 0 && json.Unmarshal(body, &v) == nil {
		return v
	}
	return string(body)
}

// blockedReason summarizes a validation response for the audit record.
func blockedReason(resp Response) string {
	if m, ok := resp.Body.(map[string]any); ok {
		if e, ok := m["error"].(string); ok {
			return e
		}
	}
	return "Invalid request"
}
