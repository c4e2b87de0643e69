package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrEmptyPage signals that a category has no more pages.
	ErrEmptyPage = errors.New("empty page")
	// ErrMalformedPayload indicates a 200 response that is not a JSON item list.
	ErrMalformedPayload = errors.New("malformed payload")
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrStatus indicates a response with a status other than 200.
type ErrStatus struct {
	Code int
}

func (e ErrStatus) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// ErrorKind tells callers what a failed fetch means for the crawl.
type ErrorKind int

const (
	// KindEmpty is the normal end of a category.
	KindEmpty ErrorKind = iota
	// KindFatal failures are not retried.
	KindFatal
	// KindExhausted failures were transient on every attempt.
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindFatal:
		return "fatal"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// FetchError describes why a page produced no records.
type FetchError struct {
	Store    string
	Category string
	Page     int
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s/%s page %d (%s after %d attempt(s)): %v", e.Store, e.Category, e.Page, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsEndOfCategory reports whether err stops pagination. Every fetch error
// does: an empty page and a failed page both end the category.
func IsEndOfCategory(err error) bool {
	return err != nil
}

// IsTransient reports whether a classified error is worth retrying.
func IsTransient(err error) bool {
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return true
	}
	var conn ErrConnection
	return errors.As(err, &conn)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var status ErrStatus
	if errors.As(err, &status) {
		switch status.Code {
		case http.StatusForbidden:
			return "forbidden"
		case http.StatusNotFound:
			return "not_found"
		case http.StatusTooManyRequests:
			return "rate_limited"
		default:
			return "status"
		}
	}
	if errors.Is(err, ErrMalformedPayload) {
		return "malformed"
	}
	return "other"
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if err == nil && statusCode != http.StatusOK {
		return ErrStatus{Code: statusCode}
	}
	return err
}
