package schema

import "encoding/json"

// ValidatePostRequest validates the body of POST /post. Unknown fields
// are tolerated; constraints on the known fields are enforced via the
// shared validator.
func ValidatePostRequest(data []byte) (*PostRequest, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	var req PostRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &ValidationError{Issues: []string{"body: must be a JSON object"}}
	}

	if issues := issuesFromStruct(&req, ""); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return &req, nil
}

// ValidateVoteRequest validates the body of POST /vote.
func ValidateVoteRequest(data []byte) (*VoteRequest, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	var req VoteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &ValidationError{Issues: []string{"body: must be a JSON object"}}
	}

	if issues := issuesFromStruct(&req, ""); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return &req, nil
}
