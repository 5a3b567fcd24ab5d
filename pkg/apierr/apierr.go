// Package apierr maps the subsystem-internal error taxonomy onto the
// wire-independent envelope described in the platform's external
// interface: BadRequest, Unauthorized, NotFound, AlreadyExists,
// LimitExceeded, or InternalError. Actual gRPC/HTTP framing is out of
// scope; this package only carries the shape a transport layer would
// marshal, built on top of grpc/codes so mapping to a status.Status is a
// one-line lookup rather than a second taxonomy.
package apierr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind is the discriminant of the envelope oneof.
type Kind string

const (
	KindBadRequest    Kind = "bad_request"
	KindUnauthorized  Kind = "unauthorized"
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindLimitExceeded Kind = "limit_exceeded"
	KindInternal      Kind = "internal_error"
)

var kindToCode = map[Kind]codes.Code{
	KindBadRequest:    codes.InvalidArgument,
	KindUnauthorized:  codes.PermissionDenied,
	KindNotFound:      codes.NotFound,
	KindAlreadyExists: codes.AlreadyExists,
	KindLimitExceeded: codes.ResourceExhausted,
	KindInternal:      codes.Internal,
}

// Envelope is the wire-independent error shape. Errors is populated only
// for KindBadRequest, one message per violated field/rule.
type Envelope struct {
	Kind    Kind
	Errors  []string
	Message string
	cause   error
}

func (e *Envelope) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Envelope) Unwrap() error { return e.cause }

// Code returns the grpc status code a transport layer should use.
func (e *Envelope) Code() codes.Code { return kindToCode[e.Kind] }

// SafeDisplay returns a message safe to show a caller: for KindInternal it
// redacts the underlying cause, since internal errors must never cross
// the boundary with raw strings.
func (e *Envelope) SafeDisplay() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Error()
}

func newEnvelope(kind Kind, cause error, format string, args ...interface{}) *Envelope {
	return &Envelope{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func BadRequest(errs ...string) *Envelope {
	return &Envelope{Kind: KindBadRequest, Errors: errs, Message: "bad request"}
}

// BadRequestCause is BadRequest with an underlying cause attached so
// callers can errors.As past the envelope to a structured error (e.g. a
// typed conflict report) instead of only getting the flattened Errors
// strings.
func BadRequestCause(cause error, errs ...string) *Envelope {
	return &Envelope{Kind: KindBadRequest, Errors: errs, Message: "bad request", cause: cause}
}

func NotFound(format string, args ...interface{}) *Envelope {
	return newEnvelope(KindNotFound, nil, format, args...)
}

func AlreadyExists(format string, args ...interface{}) *Envelope {
	return newEnvelope(KindAlreadyExists, nil, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Envelope {
	return newEnvelope(KindUnauthorized, nil, format, args...)
}

func LimitExceeded(format string, args ...interface{}) *Envelope {
	return newEnvelope(KindLimitExceeded, nil, format, args...)
}

func Internal(cause error, format string, args ...interface{}) *Envelope {
	return newEnvelope(KindInternal, cause, format, args...)
}

// From wraps an arbitrary error as an internal envelope unless it is
// already an *Envelope, in which case it passes through unchanged. Every
// subsystem boundary should call this exactly once on its way out.
func From(err error) *Envelope {
	if err == nil {
		return nil
	}
	var env *Envelope
	if errors.As(err, &env) {
		return env
	}
	return Internal(err, "%s", err.Error())
}
