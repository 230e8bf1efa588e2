package provider

import (
	"errors"
	"fmt"
)

// StreamError wraps a request-level failure with provider and endpoint context
type StreamError struct {
	Provider   Name
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *StreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s stream from %s failed (HTTP %d): %s", e.Provider, e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s stream from %s failed: %s", e.Provider, e.Endpoint, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError creates a new StreamError
func NewStreamError(provider Name, endpoint string, statusCode int, message string, err error) *StreamError {
	return &StreamError{
		Provider:   provider,
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsNoTokens checks if the error means the stream never produced a chunk
func IsNoTokens(err error) bool {
	return errors.Is(err, ErrNoTokens)
}

// IsHTTPError checks if the error carries a non-success HTTP status
func IsHTTPError(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.StatusCode > 0
	}
	return false
}

// DecodeError reports a single malformed stream line
type DecodeError struct {
	Provider Name
	Line     string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: failed to extract text from chunk %q: %v", e.Provider, e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(p Name, line []byte, err error) error {
	const maxLine = 200
	s := string(line)
	if len(s) > maxLine {
		s = s[:maxLine] + "..."
	}
	return &DecodeError{Provider: p, Line: s, Err: err}
}

var errMissingField = errors.New("fragment field missing")
