// Package apperr classifies the failures the engine can surface so callers
// can tell a missing resource from a busy one, a bad request, or a failing
// collaborator without parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Conflict
	InvalidInput
	Dependency
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case InvalidInput:
		return "invalid_input"
	case Dependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Error is a classified error. The package-level sentinels carry a code and a
// kind; errors built from them with New or Wrap keep the code, so
// errors.Is(err, ErrNoDelta) works through any amount of %w wrapping.
type Error struct {
	Code string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ParseKind is the inverse of Kind.String. Unknown names are Internal.
func ParseKind(s string) Kind {
	for _, k := range []Kind{NotFound, Conflict, InvalidInput, Dependency} {
		if k.String() == s {
			return k
		}
	}
	return Internal
}

func sentinel(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg}
}

var (
	ErrCollectionNotFound   = sentinel(NotFound, "collection_not_found", "collection not found")
	ErrConversationNotFound = sentinel(NotFound, "conversation_not_found", "conversation not found")
	ErrVersionNotFound      = sentinel(NotFound, "version_not_found", "version not found")
	ErrPartNotFound         = sentinel(NotFound, "part_not_found", "part not found")
	ErrCompositionNotFound  = sentinel(NotFound, "composition_not_found", "composition not found")
	ErrPinNotFound          = sentinel(NotFound, "pin_not_found", "pinned content not found")
	ErrLockNotFound         = sentinel(NotFound, "lock_not_found", "lock not found")
	ErrJobNotFound          = sentinel(NotFound, "job_not_found", "job not found")

	ErrCompressionInProgress = sentinel(Conflict, "compression_in_progress", "compression in progress")
	ErrVersionExists         = sentinel(Conflict, "version_exists", "version with identical settings exists")
	ErrVersionInUse          = sentinel(Conflict, "version_in_use", "version is cited by a composition")
	ErrAlreadyRegistered     = sentinel(Conflict, "already_registered", "conversation already registered")

	ErrInvalidSettings      = sentinel(InvalidInput, "invalid_settings", "invalid compression settings")
	ErrInvalidPart          = sentinel(InvalidInput, "invalid_part", "invalid part number")
	ErrInsufficientMessages = sentinel(InvalidInput, "insufficient_messages", "not enough messages to compress")
	ErrNoDelta              = sentinel(InvalidInput, "no_delta", "no new messages since last compression")
	ErrRangeMissing         = sentinel(InvalidInput, "range_missing", "recorded range end no longer present in log")
	ErrRangeMismatch        = sentinel(InvalidInput, "range_mismatch", "recorded range no longer matches log")
	ErrCorruptLog           = sentinel(InvalidInput, "corrupt_log", "too many malformed lines in log")
	ErrInvalidComposition   = sentinel(InvalidInput, "invalid_composition", "invalid composition")
	ErrInvalidWeight        = sentinel(InvalidInput, "invalid_weight", "weight must be within [0, 1]")
	ErrInvalidInput         = sentinel(InvalidInput, "invalid_input", "invalid input")

	ErrCompressionFailed  = sentinel(Dependency, "compression_failed", "compression failed")
	ErrCompressionTimeout = sentinel(Dependency, "compression_timeout", "compression timed out")
	ErrMalformedOutput    = sentinel(Dependency, "malformed_output", "compressor returned malformed output")
)

// New returns an error with the sentinel's code and kind and a formatted detail.
func New(s *Error, format string, args ...any) error {
	return &Error{
		Code: s.Code,
		Kind: s.Kind,
		Msg:  s.Msg + ": " + fmt.Sprintf(format, args...),
	}
}

// Wrap is New with an underlying cause.
func Wrap(s *Error, cause error, format string, args ...any) error {
	msg := s.Msg
	if format != "" {
		msg += ": " + fmt.Sprintf(format, args...)
	}
	return &Error{Code: s.Code, Kind: s.Kind, Msg: msg, Err: cause}
}

// KindOf reports the kind of the first classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf reports the code of the first classified error in err's chain, or
// "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Retriable reports whether repeating the same request can succeed without
// the caller changing it. Conflicts clear once the holder finishes; spawn
// failures and timeouts of the compressor may be transient.
func Retriable(err error) bool {
	switch KindOf(err) {
	case Conflict:
		return !errors.Is(err, ErrVersionExists) && !errors.Is(err, ErrAlreadyRegistered) && !errors.Is(err, ErrVersionInUse)
	case Dependency:
		return errors.Is(err, ErrCompressionTimeout) || errors.Is(err, ErrCompressionFailed)
	}
	return false
}
