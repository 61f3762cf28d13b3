package apperrors

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Error categories. Concrete errors are marked with one of these so callers can
// test with errors.Is regardless of how much context was wrapped around them.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrValidation       = errors.New("validation error")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDatabase         = errors.New("database error")
	ErrUnavailable      = errors.New("service unavailable")

	// ErrQuotaExceeded is user actionable: upgrade the tier or buy credits.
	ErrQuotaExceeded = errors.New("invoice quota exceeded")
	// ErrDuplicatePaymentEvent is returned when a payment confirmation was already applied.
	ErrDuplicatePaymentEvent = errors.New("duplicate payment event")
	// ErrScheduleAdvance flags a recurring definition whose next due date would not move forward.
	ErrScheduleAdvance = errors.New("recurring schedule did not advance")
	// ErrNotificationDelivery is never fatal to the operation that produced it.
	ErrNotificationDelivery = errors.New("notification delivery failed")

	statusCodeMap = []struct {
		err    error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrInvalidOperation, http.StatusConflict},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{ErrPermissionDenied, http.StatusForbidden},
		{ErrQuotaExceeded, http.StatusPaymentRequired},
		{ErrDuplicatePaymentEvent, http.StatusOK},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{ErrDatabase, http.StatusInternalServerError},
	}
)

// ErrorBuilder provides a fluent interface for building errors.
// Mark must be the last call in the chain.
type ErrorBuilder struct {
	err error
}

func New(msg string) *ErrorBuilder {
	return &ErrorBuilder{err: errors.New(msg)}
}

func Newf(format string, args ...any) *ErrorBuilder {
	return &ErrorBuilder{err: errors.Newf(format, args...)}
}

// Wrap starts a builder chain with an existing error.
func Wrap(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// WithMessage adds internal context to the error.
func (b *ErrorBuilder) WithMessage(msg string) *ErrorBuilder {
	b.err = errors.WithMessage(b.err, msg)
	return b
}

func (b *ErrorBuilder) WithMessagef(format string, args ...any) *ErrorBuilder {
	b.err = errors.WithMessagef(b.err, format, args...)
	return b
}

// WithHint adds a message meant for the end user.
func (b *ErrorBuilder) WithHint(hint string) *ErrorBuilder {
	b.err = errors.WithHint(b.err, hint)
	return b
}

func (b *ErrorBuilder) WithHintf(format string, args ...any) *ErrorBuilder {
	b.err = errors.WithHintf(b.err, format, args...)
	return b
}

func (b *ErrorBuilder) Mark(reference error) error {
	b.err = errors.Mark(b.err, reference)
	return b.err
}

func (b *ErrorBuilder) Err() error {
	return b.err
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

func IsDuplicatePaymentEvent(err error) bool {
	return errors.Is(err, ErrDuplicatePaymentEvent)
}

func IsScheduleAdvance(err error) bool {
	return errors.Is(err, ErrScheduleAdvance)
}

func IsNotificationDelivery(err error) bool {
	return errors.Is(err, ErrNotificationDelivery)
}

// HTTPStatus maps an error to the status code the API replies with.
func HTTPStatus(err error) int {
	for _, m := range statusCodeMap {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// DisplayMessage returns the user facing hints of err, or a generic message
// for errors that carry none.
func DisplayMessage(err error) string {
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		return strings.Join(hints, " ")
	}
	if HTTPStatus(err) >= http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}
