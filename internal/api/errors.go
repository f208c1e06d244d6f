package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// NetworkError is a transport-level failure: the request never produced
// an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error on %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError indicates a missing, invalid or expired credential (401/403).
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%d): %s", e.StatusCode, e.Message)
}

// NotFoundError is returned for a 404 on a specific resource.
type NotFoundError struct {
	Path    string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("not found: %s (%s)", e.Path, e.Message)
	}
	return fmt.Sprintf("not found: %s", e.Path)
}

// ValidationError is a rejected request body (400/422). Fields carries
// per-field detail when the server reports it.
type ValidationError struct {
	StatusCode int
	Message    string
	Fields     map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}

// StatusError is any other non-success response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNotFound reports whether err (or any error in its chain) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNetwork reports whether err (or any error in its chain) is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var (
		authErr *AuthError
		ve      *ValidationError
		se      *StatusError
	)
	switch {
	case errors.As(err, &authErr):
		return authErr.StatusCode
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &ve):
		return ve.StatusCode
	case errors.As(err, &se):
		return se.StatusCode
	}
	return 0
}

// errorBody is the FastAPI error envelope. Detail is either a string or
// a list of field errors.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type fieldError struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// parseDetail extracts a message and per-field errors from a response body.
func parseDetail(body []byte) (string, map[string]string) {
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil || len(eb.Detail) == 0 {
		return strings.TrimSpace(string(body)), nil
	}

	var msg string
	if json.Unmarshal(eb.Detail, &msg) == nil {
		return msg, nil
	}

	var list []fieldError
	if json.Unmarshal(eb.Detail, &list) != nil {
		return string(eb.Detail), nil
	}

	fields := make(map[string]string, len(list))
	msgs := make([]string, 0, len(list))
	for _, fe := range list {
		fields[fieldName(fe.Loc)] = fe.Msg
		msgs = append(msgs, fe.Msg)
	}
	return strings.Join(msgs, "; "), fields
}

// fieldName joins a FastAPI location, dropping the leading "body"/"query".
func fieldName(loc []any) string {
	parts := make([]string, 0, len(loc))
	for i, p := range loc {
		s := fmt.Sprint(p)
		if i == 0 && (s == "body" || s == "query" || s == "path") && len(loc) > 1 {
			continue
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ".")
}

// errorFromResponse maps a non-2xx response onto the error taxonomy.
func errorFromResponse(method, path string, status int, body []byte) error {
	msg, fields := parseDetail(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{StatusCode: status, Message: msg}
	case status == http.StatusNotFound:
		return &NotFoundError{Path: path, Message: msg}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &ValidationError{StatusCode: status, Message: msg, Fields: fields}
	default:
		return &StatusError{Method: method, Path: path, StatusCode: status, Body: msg}
	}
}
