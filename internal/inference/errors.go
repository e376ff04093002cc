package inference

import (
	"errors"

	"github.com/mcules/forecast-inference/internal/forecast"
	"github.com/mcules/forecast-inference/internal/frame"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

var (
	ErrCachingDisabled = errors.New("inference caching is disabled")
	ErrNoData          = errors.New("no cached data to predict from")
	ErrEmptyPayload    = errors.New("payload contains no rows")
	ErrInvalidHorizon  = errors.New("invalid horizon")
	ErrInference       = errors.New("inference execution error")
	ErrNonFinite       = errors.New("model produced a non-finite value")
)

// cachingDisabledDetail is the client-facing message for ErrCachingDisabled.
const cachingDisabledDetail = "Inference caching is disabled. Send the feature rows in the \"data\" field of the request."

// Error carries a Kind and an optional client-facing Detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// kinded is implemented by errors that know their Kind, including remote API
// errors returned by the HTTP client.
type kinded interface {
	ErrorKind() Kind
}

// KindOf classifies err. Validation failures from the frame and model
// packages are KindInvalid even when they arrive unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	switch {
	case errors.Is(err, ErrCachingDisabled),
		errors.Is(err, ErrNoData),
		errors.Is(err, ErrEmptyPayload),
		errors.Is(err, ErrInvalidHorizon),
		isValidation(err):
		return KindInvalid
	default:
		return KindInternal
	}
}

func isValidation(err error) bool {
	for _, target := range []error{
		frame.ErrBadRecord,
		frame.ErrEmptyFrame,
		frame.ErrTooFewRows,
		frame.ErrZeroFrequency,
		frame.ErrNonUniform,
		frame.ErrUnknownColumn,
		frame.ErrMissingValues,
		frame.ErrTooManyGaps,
		forecast.ErrTooFewPoints,
		forecast.ErrBadInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Detail is the message shown to API clients.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

func invalid(err error) error {
	return &Error{Kind: KindInvalid, Err: err}
}

func cachingDisabled() error {
	return &Error{Kind: KindInvalid, Detail: cachingDisabledDetail, Err: ErrCachingDisabled}
}

func inferenceFailed(err error) error {
	return &Error{
		Kind:   KindInternal,
		Detail: ErrInference.Error() + ": " + err.Error(),
		Err:    errors.Join(ErrInference, err),
	}
}
