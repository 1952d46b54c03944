// Copyright 2025 Joseph Cumines
//
// Package uierror defines the error kinds reported by the inspector engine.
//
// Errors are values, never panics. Every kind maps onto a gRPC status code so
// that the same failure renders identically over MCP, REST and gRPC.
package uierror

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// Domain is the ErrorInfo domain attached to rpc statuses.
const Domain = "uiinspector.joeycumines.github.com"

// Kind classifies an engine failure.
type Kind string

const (
	// NotFound indicates an identifier or path lookup had no match in the snapshot.
	NotFound Kind = "NotFound"
	// BuildUnavailable indicates no snapshot could be produced and none is cached.
	BuildUnavailable Kind = "BuildUnavailable"
	// InvalidCriteria indicates a criteria value is incompatible with its operator.
	InvalidCriteria Kind = "InvalidCriteria"
	// ElementNotFound indicates an action target path is absent from the snapshot.
	ElementNotFound Kind = "ElementNotFound"
	// StaleHandle indicates a path valid in the snapshot no longer resolves live.
	StaleHandle Kind = "StaleHandle"
	// InvalidParameters indicates action parameters failed validation.
	InvalidParameters Kind = "InvalidParameters"
	// ActionExecutionFailed indicates the executor reported a failure.
	ActionExecutionFailed Kind = "ActionExecutionFailed"
	// ActionTimeout indicates the executor did not complete in time.
	ActionTimeout Kind = "ActionTimeout"
	// Cancelled indicates the caller stopped waiting.
	Cancelled Kind = "Cancelled"
	// Internal is used for failures outside the documented kinds.
	Internal Kind = "Internal"
)

// Kinds lists every kind, in documentation order.
var Kinds = []Kind{
	NotFound,
	BuildUnavailable,
	InvalidCriteria,
	ElementNotFound,
	StaleHandle,
	InvalidParameters,
	ActionExecutionFailed,
	ActionTimeout,
	Cancelled,
	Internal,
}

// Code returns the gRPC code for the kind.
func (k Kind) Code() codes.Code {
	switch k {
	case NotFound, ElementNotFound:
		return codes.NotFound
	case BuildUnavailable:
		return codes.Unavailable
	case InvalidCriteria, InvalidParameters:
		return codes.InvalidArgument
	case StaleHandle:
		return codes.FailedPrecondition
	case ActionExecutionFailed:
		return codes.Aborted
	case ActionTimeout:
		return codes.DeadlineExceeded
	case Cancelled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// KindFromCode is the inverse of Kind.Code, used by clients that only see a status.
// Ambiguous codes resolve to the query-side kind.
func KindFromCode(c codes.Code) Kind {
	switch c {
	case codes.NotFound:
		return NotFound
	case codes.Unavailable:
		return BuildUnavailable
	case codes.InvalidArgument:
		return InvalidParameters
	case codes.FailedPrecondition:
		return StaleHandle
	case codes.Aborted:
		return ActionExecutionFailed
	case codes.DeadlineExceeded:
		return ActionTimeout
	case codes.Canceled:
		return Cancelled
	default:
		return Internal
	}
}

// Error is the concrete error type returned by engine operations.
type Error struct {
	Err  error
	Kind Kind
	Op   string
	Path string
}

// New returns an error of the given kind.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPath returns a copy of e annotated with path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path %q)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, uierror.ErrNotFound) works for
// any *Error of kind NotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Path == ""
}

// Sentinels for errors.Is.
var (
	ErrNotFound              = &Error{Kind: NotFound}
	ErrBuildUnavailable      = &Error{Kind: BuildUnavailable}
	ErrInvalidCriteria       = &Error{Kind: InvalidCriteria}
	ErrElementNotFound       = &Error{Kind: ElementNotFound}
	ErrStaleHandle           = &Error{Kind: StaleHandle}
	ErrInvalidParameters     = &Error{Kind: InvalidParameters}
	ErrActionExecutionFailed = &Error{Kind: ActionExecutionFailed}
	ErrActionTimeout         = &Error{Kind: ActionTimeout}
	ErrCancelled             = &Error{Kind: Cancelled}
)

// KindOf returns the kind of err, Internal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if st, ok := status.FromError(err); ok {
		return KindFromCode(st.Code())
	}
	return Internal
}

// Proto renders err as a google.rpc.Status carrying an ErrorInfo detail whose
// reason is the kind.
func Proto(err error) *rpcstatus.Status {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	st := &rpcstatus.Status{
		Code:    int32(kind.Code()),
		Message: err.Error(),
	}
	info := &errdetails.ErrorInfo{
		Reason: string(kind),
		Domain: Domain,
	}
	var e *Error
	if errors.As(err, &e) && e.Path != "" {
		info.Metadata = map[string]string{"path": e.Path}
	}
	if detail, aerr := anypb.New(info); aerr == nil {
		st.Details = append(st.Details, detail)
	}
	return st
}

// Status converts err to a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	return status.ErrorProto(Proto(err))
}

// FromProto recovers an *Error from a google.rpc.Status produced by Proto.
func FromProto(st *rpcstatus.Status) *Error {
	if st == nil || codes.Code(st.GetCode()) == codes.OK {
		return nil
	}
	kind := KindFromCode(codes.Code(st.GetCode()))
	e := &Error{Kind: kind, Err: errors.New(st.GetMessage())}
	for _, d := range st.GetDetails() {
		var info errdetails.ErrorInfo
		if d.UnmarshalTo(&info) == nil && info.GetDomain() == Domain {
			e.Kind = Kind(info.GetReason())
			e.Path = info.GetMetadata()["path"]
		}
	}
	return e
}
