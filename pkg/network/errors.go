package network

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrConnectivity marks a request that never produced an HTTP response.
	ErrConnectivity = errors.New("network connectivity failure")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents connectivity and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// NetworkError is a transport failure: no HTTP response was received.
// errors.Is(err, ErrConnectivity) holds for every NetworkError.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Method, e.URL, ErrConnectivity, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is reports NetworkError as ErrConnectivity.
func (e *NetworkError) Is(target error) bool {
	return target == ErrConnectivity
}

// StatusError is an HTTP error status, produced only where a caller asked
// for statuses to be treated as failures (retry loops).
type StatusError struct {
	StatusCode int
	ErrorClass ErrorClass
	URL        string
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d) for %s: %s",
		e.ErrorClass, e.StatusCode, e.URL, e.Message)
}

// ClassifyStatus returns the error class of an HTTP status, or "" when the
// status is not an error.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 500:
		return ErrorClassServer
	case statusCode >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// ClassifyError returns the error class of err.
func ClassifyError(err error) ErrorClass {
	var statusErr *StatusError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &statusErr):
		return statusErr.ErrorClass
	case errors.Is(err, ErrConnectivity):
		return ErrorClassNetwork
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx will not change on retry
		return false
	case ErrorClassServer:
		return true
	case ErrorClassNetwork:
		return true
	default:
		return false
	}
}
