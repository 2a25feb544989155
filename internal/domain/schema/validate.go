package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidJSON marks bodies that are not syntactically valid JSON,
// distinguishing them from schema failures at the HTTP boundary.
var ErrInvalidJSON = errors.New("invalid JSON")

// ValidationError accumulates every schema issue found in one document.
type ValidationError struct {
	Issues []string
}

// Error joins the issues as "path: message; path: message".
func (e *ValidationError) Error() string {
	return strings.Join(e.Issues, "; ")
}

var (
	runIDPattern    = regexp.MustCompile(`^[a-f0-9-]+(-(cp|checkpoint)\d+)?$`)
	entityIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// validate is the shared validator instance. Field names in errors come
// from json tags so issue paths match the wire format.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// entityid: post/thread identifiers.
	mustRegister(v, "entityid", func(fl validator.FieldLevel) bool {
		return entityIDPattern.MatchString(fl.Field().String())
	})

	// runid: raw UUID or UUID-with-checkpoint-suffix.
	mustRegister(v, "runid", func(fl validator.FieldLevel) bool {
		return runIDPattern.MatchString(fl.Field().String())
	})

	// iso8601utc: RFC3339 timestamp with a zero offset.
	mustRegister(v, "iso8601utc", func(fl validator.FieldLevel) bool {
		return isISO8601UTC(fl.Field().String())
	})

	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("schema: register %s validator: %v", tag, err))
	}
}

// isISO8601UTC reports whether s is an RFC3339 timestamp at UTC.
func isISO8601UTC(s string) bool {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return false
	}
	_, offset := t.Zone()
	return offset == 0
}

// issuesFromStruct runs struct-tag validation and converts field errors
// to prefixed "path: message" issues.
func issuesFromStruct(s any, prefix string) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{prefix + "invalid structure: " + err.Error()}
	}

	issues := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, prefix+fieldPath(fe)+": "+messageFor(fe))
	}
	return issues
}

// fieldPath strips the root struct name from the error namespace,
// leaving the json-tag path ("stats.posts_read").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx != -1 {
		return ns[idx+1:]
	}
	return ns
}

// messageFor renders a human-readable message for a field error.
func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "eq":
		return fmt.Sprintf("must be %q", fe.Param())
	case "entityid":
		return "must contain only letters, digits, underscores, and hyphens"
	case "runid":
		return "is not a valid run id"
	case "iso8601utc":
		return "must be an ISO-8601 UTC timestamp"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// strictUnmarshal decodes JSON rejecting unknown fields.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// unknownFieldName extracts the field name from a DisallowUnknownFields
// decode error, or "" if the error has a different shape.
func unknownFieldName(err error) string {
	const marker = `json: unknown field "`
	msg := err.Error()
	idx := strings.Index(msg, marker)
	if idx == -1 {
		return ""
	}
	rest := msg[idx+len(marker):]
	if end := strings.Index(rest, `"`); end != -1 {
		return rest[:end]
	}
	return ""
}
