// Package uploaderr classifies failures of the upload engine into the kinds
// the orchestration reacts to: retry, skip, abort, or record.
package uploaderr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the class of an upload failure.
type Kind string

const (
	// KindAuthentication means the credential chain failed. Aborts the run.
	KindAuthentication Kind = "authentication"
	// KindValidation means a document was rejected as malformed.
	KindValidation Kind = "validation"
	// KindConflict means an equivalent object already exists remotely.
	KindConflict Kind = "conflict"
	// KindTransient covers network failures, timeouts and 5xx responses.
	KindTransient Kind = "transient"
	// KindIntegrity means the remote checksum did not match the local one.
	KindIntegrity Kind = "integrity"
	// KindFatal covers any other non-retryable rejection.
	KindFatal Kind = "fatal"
	// KindPartialFailure means the primary payload landed but a derived one did not.
	KindPartialFailure Kind = "partial_failure"
	// KindCancelled means the run was cancelled or its deadline passed.
	KindCancelled Kind = "cancelled"
)

// Error is a classified upload failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	// ObjectID is set on conflicts when the service reported the existing object.
	ObjectID string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Unclassified context errors map to
// KindCancelled, any other unclassified error to KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	return KindFatal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}

// ObjectIDOf returns the object id carried by a conflict error, if any.
func ObjectIDOf(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.ObjectID
	}

	return ""
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// FromStatus builds an error for a non-success HTTP response.
func FromStatus(op string, status int, body string) *Error {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}

	msg := http.StatusText(status)
	if body != "" {
		msg = msg + ": " + body
	}

	return &Error{
		Kind:       KindForStatus(status),
		Op:         op,
		StatusCode: status,
		Err:        errors.New(msg),
	}
}

// FromTransport classifies an error returned by a client before any response
// arrived. If ctx itself is done the call was cancelled; anything else
// (timeouts, refused connections, resets) is transient.
func FromTransport(ctx context.Context, op string, err error) *Error {
	if ctx.Err() != nil {
		return New(KindCancelled, op, err)
	}

	return New(KindTransient, op, err)
}
