// ABOUTME: Error types for non-2xx responses from the OnDuty backend
// ABOUTME: Extracts JSON detail text, falling back to the raw body

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoBaseURL is returned when the client is built without an API base URL.
var ErrNoBaseURL = errors.New("api base url is not configured")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Path   string
	Status int
	// Detail is the JSON "detail" field when the body was JSON and had one.
	Detail string
	// Body is the raw text, set only when the body was not JSON.
	Body string
}

func (e *StatusError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, e.Detail)
	case e.Body != "":
		return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s returned status %d", e.Path, e.Status)
	}
}

// Describe renders a user-facing message: the server detail if present, else
// the raw body, else fallback; always annotated with the status code.
func (e *StatusError) Describe(fallback string) string {
	msg := fallback
	switch {
	case e.Detail != "":
		msg = e.Detail
	case e.Body != "":
		msg = e.Body
	}
	return fmt.Sprintf("%s (status %d)", msg, e.Status)
}

// newStatusError classifies an error body. A JSON body without a usable
// detail leaves both Detail and Body empty.
func newStatusError(path string, status int, body []byte) *StatusError {
	e := &StatusError{Path: path, Status: status}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return e
	}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		if !json.Valid(trimmed) {
			e.Body = string(trimmed)
		}
		return e
	}
	e.Detail = detailText(envelope.Detail)
	return e
}

// detailText accepts the string form and the list-of-errors form that
// request validators produce.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return string(raw)
}
