package scraper

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyListing reports an empty listing where children are required.
	ErrEmptyListing = errors.New("empty listing")
	// ErrRestartInProgress tells a worker another goroutine owns the restart.
	ErrRestartInProgress = errors.New("restart already in progress")
	// ErrStopped is returned once the process-wide stop flag is set.
	ErrStopped = errors.New("scraper stopped")
)

// APIError is returned after the client exhausted every proxy attempt.
// Callers treat it as "temporarily unavailable", never as "does not exist".
type APIError struct {
	URL      string
	Endpoint string
	Status   int
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("fetch %s failed after %d attempts (endpoint %s, status %d)",
		e.URL, e.Attempts, e.Endpoint, e.Status)
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *APIError) Unwrap() error { return e.Err }

// HumanVerificationError is returned when the verification wall could not be
// passed within the configured attempts.
type HumanVerificationError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *HumanVerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("human verification not passed for %s after %d attempts", e.URL, e.Attempts)
	}
	return fmt.Sprintf("human verification not passed for %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *HumanVerificationError) Unwrap() error { return e.Err }

// DataSplicingError means the last persisted value no longer exists upstream.
type DataSplicingError struct {
	Level string
	Depth int
	Value string
}

func (e *DataSplicingError) Error() string {
	return fmt.Sprintf("resume value %q not found in %s listing (level %d)", e.Value, e.Level, e.Depth)
}

// ParsingError reports an unexpected upstream shape for a single item.
type ParsingError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParsingError) Error() string {
	msg := "parse response"
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParsingError) Unwrap() error { return e.Err }

// PersistError wraps a database failure.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// NeedsRestartError is returned by a crawl run that requires fresh process state.
type NeedsRestartError struct {
	Cause error
}

func (e *NeedsRestartError) Error() string {
	return fmt.Sprintf("restart required: %v", e.Cause)
}

func (e *NeedsRestartError) Unwrap() error { return e.Cause }
