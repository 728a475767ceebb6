package api

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies failures returned by stores, queues and handlers.
type Kind string

const (
	StoreOperationFailed       Kind = "StoreOperationFailed"
	QueueOperationFailed       Kind = "QueueOperationFailed"
	RecordNotFound             Kind = "RecordNotFound"
	DecodeBlockOperationFailed Kind = "DecodeBlockOperationFailed"
	UnexpectedState            Kind = "UnexpectedState"
	EncodeRecordFailed         Kind = "EncodeRecordFailed"

	InvalidArgument Kind = "InvalidArgument"
	Unauthorized    Kind = "Unauthorized"
)

// Error is a failure of a known kind. Errors compare equal under
// xerrors.Is when their kinds match and the target carries no cause, so
// the sentinels below can be used for matching.
type Error struct {
	Kind Kind
	Err  error
}

var (
	ErrStoreOperationFailed       = &Error{Kind: StoreOperationFailed}
	ErrQueueOperationFailed       = &Error{Kind: QueueOperationFailed}
	ErrRecordNotFound             = &Error{Kind: RecordNotFound}
	ErrDecodeBlockOperationFailed = &Error{Kind: DecodeBlockOperationFailed}
	ErrUnexpectedState            = &Error{Kind: UnexpectedState}
	ErrEncodeRecordFailed         = &Error{Kind: EncodeRecordFailed}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Err == nil || t.Err == e.Err)
}

// Errorf creates a new error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: xerrors.Errorf(format, args...)}
}

// Wrap classifies err as kind unless it already carries a kind, in which
// case the more specific classification is kept.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var known *Error
	if xerrors.As(err, &known) {
		return xerrors.Errorf("%s: %w", msg, err)
	}
	return &Error{Kind: kind, Err: xerrors.Errorf("%s: %w", msg, err)}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or an empty kind.
func KindOf(err error) Kind {
	var known *Error
	if xerrors.As(err, &known) {
		return known.Kind
	}
	return ""
}

// Retryable reports whether redelivering the input that produced err may
// succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case UnexpectedState, InvalidArgument, Unauthorized:
		return false
	default:
		return err != nil
	}
}

func IsNotFound(err error) bool {
	return KindOf(err) == RecordNotFound
}
