// Package classify maps a job failure to a retry decision.
package classify

import (
	"context"
	"errors"
	"os"
	"regexp"
	"time"
)

// Error is the concrete failure shape the classifier operates on, replacing
// the mixed code/status/message error objects the source system carried.
type Error struct {
	Message    string
	Code       string
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classify.Error with a code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HTTPError builds a classify.Error from an HTTP status.
func HTTPError(status int, message string) *Error {
	return &Error{HTTPStatus: status, Message: message}
}

// Wrap adapts a plain error into a classify.Error, best-effort recovering a
// code from common stdlib sentinels before falling back to the message.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	out := &Error{Message: err.Error(), Cause: err}
	switch {
	case errors.Is(err, os.ErrNotExist):
		out.Code = "ENOENT"
	case errors.Is(err, os.ErrPermission):
		out.Code = "EACCES"
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = "ETIMEDOUT"
	}
	return out
}

// Result is the outcome of Classify: whether the originating operation may
// be retried, after how long, and a human-readable reason.
type Result struct {
	Retryable bool
	Reason    string
	DelayMs   int
}

var nonRetryableCodes = map[string]bool{
	"ENOENT": true, "ENOTDIR": true, "EISDIR": true, "EACCES": true,
	"EPERM": true, "EINVAL": true, "EEXIST": true, "ENOTFOUND": true,
	"ECONNREFUSED": true, "ERR_MODULE_NOT_FOUND": true,
}

var retryableCodeDelay = map[string]int{
	"ETIMEDOUT":    10_000,
	"ECONNRESET":   5_000,
	"EHOSTUNREACH": 5_000,
	"ENETUNREACH":  5_000,
	"EPIPE":        5_000,
	"EAGAIN":       5_000,
	"EBUSY":        5_000,
}

// Checked in order; non-retryable patterns are listed first so that a
// message like "not found: connection timeout" never matches the retryable
// "timeout" pattern via substring coincidence.
var nonRetryableMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)invalid.*argument`),
	regexp.MustCompile(`(?i)validation.*failed`),
	regexp.MustCompile(`(?i)not found`),
	regexp.MustCompile(`(?i)does not exist`),
	regexp.MustCompile(`(?i)permission denied`),
	regexp.MustCompile(`(?i)unauthorized`),
	regexp.MustCompile(`(?i)forbidden`),
	regexp.MustCompile(`(?i)bad request`),
	regexp.MustCompile(`(?i)malformed`),
}

var retryableMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)timed out`),
	regexp.MustCompile(`(?i)connection.*reset`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)service unavailable`),
	regexp.MustCompile(`(?i)internal server error`),
}

const retryableMessageDelayMs = 10_000

// Classify is a total function: every error yields a valid Result. The
// default is non-retryable — safer to surface a failure than loop forever.
func Classify(err error) Result {
	if err == nil {
		return Result{Retryable: false, Reason: "no error", DelayMs: 0}
	}

	ce := Wrap(err)

	if ce.Code != "" {
		if nonRetryableCodes[ce.Code] {
			return Result{Retryable: false, Reason: "error code " + ce.Code, DelayMs: 0}
		}
		if delay, ok := retryableCodeDelay[ce.Code]; ok {
			return Result{Retryable: true, Reason: "error code " + ce.Code, DelayMs: delay}
		}
	}

	if ce.HTTPStatus != 0 {
		switch {
		case ce.HTTPStatus == 408:
			return Result{Retryable: true, Reason: "http 408 request timeout", DelayMs: 30_000}
		case ce.HTTPStatus == 429:
			return Result{Retryable: true, Reason: "http 429 too many requests", DelayMs: 60_000}
		case ce.HTTPStatus >= 500:
			return Result{Retryable: true, Reason: "http 5xx server error", DelayMs: 15_000}
		case ce.HTTPStatus >= 400:
			return Result{Retryable: false, Reason: "http 4xx client error", DelayMs: 0}
		}
	}

	message := ce.Message
	for _, pattern := range nonRetryableMessagePatterns {
		if pattern.MatchString(message) {
			return Result{Retryable: false, Reason: "message matched " + pattern.String(), DelayMs: 0}
		}
	}
	for _, pattern := range retryableMessagePatterns {
		if pattern.MatchString(message) {
			return Result{Retryable: true, Reason: "message matched " + pattern.String(), DelayMs: retryableMessageDelayMs}
		}
	}

	return Result{Retryable: false, Reason: "unclassified error", DelayMs: 0}
}

// Delay converts a Result's DelayMs into a time.Duration for timer arming.
func (r Result) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}
