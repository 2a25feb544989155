package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePostRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		body  string
		valid bool
		issue string
	}{
		{
			name:  "minimal comment",
			body:  `{"content":"nice thread","thread_id":"thread_1"}`,
			valid: true,
		},
		{
			name:  "top-level post",
			body:  `{"content":"hello","title":"greetings","submolt_name":"general"}`,
			valid: true,
		},
		{
			name:  "content at limit",
			body:  `{"content":"` + strings.Repeat("a", MaxContentLength) + `"}`,
			valid: true,
		},
		{
			name:  "missing content",
			body:  `{"thread_id":"t1"}`,
			issue: "content: is required",
		},
		{
			name:  "empty content",
			body:  `{"content":""}`,
			issue: "content: is required",
		},
		{
			name:  "content too long",
			body:  `{"content":"` + strings.Repeat("a", MaxContentLength+1) + `"}`,
			issue: "content: must be at most 500 characters",
		},
		{
			name:  "bad thread id",
			body:  `{"content":"x","thread_id":"not ok!"}`,
			issue: "thread_id: must contain only",
		},
		{
			name:  "title too long",
			body:  `{"content":"x","title":"` + strings.Repeat("t", MaxTitleLength+1) + `"}`,
			issue: "title: must be at most 300 characters",
		},
		{
			name:  "body is an array",
			body:  `[1,2,3]`,
			issue: "body: must be a JSON object",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req, err := ValidatePostRequest([]byte(tc.body))
			if tc.valid {
				if err != nil {
					t.Fatalf("rejected: %v", err)
				}
				if req.Content == "" {
					t.Error("content lost")
				}
				return
			}
			if err == nil {
				t.Fatal("accepted")
			}
			wantIssue(t, issuesOf(t, err), tc.issue)
		})
	}
}

func TestValidatePostRequest_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := ValidatePostRequest([]byte(`{"content":`))
	if !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("error = %v, want ErrInvalidJSON", err)
	}
}

func TestValidateVoteRequest(t *testing.T) {
	t.Parallel()

	if _, err := ValidateVoteRequest([]byte(`{"post_id":"post_9"}`)); err != nil {
		t.Fatalf("valid vote rejected: %v", err)
	}

	_, err := ValidateVoteRequest([]byte(`{}`))
	if err == nil {
		t.Fatal("empty vote accepted")
	}
	wantIssue(t, issuesOf(t, err), "post_id: is required")

	_, err = ValidateVoteRequest([]byte(`{"post_id":"bad id"}`))
	if err == nil {
		t.Fatal("bad post_id accepted")
	}
	wantIssue(t, issuesOf(t, err), "post_id: must contain only")

	if _, err := ValidateVoteRequest([]byte(`not json`)); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("error = %v, want ErrInvalidJSON", err)
	}
}
