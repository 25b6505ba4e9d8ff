package errorutil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// DomainError standardizes application errors for the HTTP surface.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewConflict(code, message string, details map[string]any) error {
	return NewDomainError(code, message, http.StatusConflict, details)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError maps engine errors onto codes and HTTP statuses.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var (
		invalid    *domain.InvalidTransitionError
		terminal   *domain.TerminalStateError
		notClosed  *domain.NotTerminalError
		department *domain.UnknownDepartmentError
		timeout    *domain.EvaluationTimeoutError
	)
	switch {
	case errors.As(err, &invalid):
		details := map[string]any{"from": invalid.From, "to": invalid.To}
		if invalid.Expected != "" {
			details["expected"] = invalid.Expected
		}
		return &DomainError{Code: "INVALID_TRANSITION", Message: err.Error(), HTTPStatus: http.StatusConflict, Details: details, Err: err}
	case errors.As(err, &terminal):
		return &DomainError{Code: "TERMINAL_STATE", Message: err.Error(), HTTPStatus: http.StatusConflict, Err: err}
	case errors.As(err, &notClosed):
		return &DomainError{Code: "NOT_TERMINAL", Message: err.Error(), HTTPStatus: http.StatusConflict,
			Details: map[string]any{"status": notClosed.Status}, Err: err}
	case errors.As(err, &department):
		return &DomainError{Code: "UNKNOWN_DEPARTMENT", Message: err.Error(), HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.As(err, &timeout):
		return &DomainError{Code: "EVALUATION_TIMEOUT", Message: err.Error(), HTTPStatus: http.StatusGatewayTimeout, Err: err}
	case errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidTimeline),
		errors.Is(err, domain.ErrEscalationSkipsLevel):
		return &DomainError{Code: "VALIDATION_FAILED", Message: err.Error(), HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, domain.ErrComplaintNotFound):
		return &DomainError{Code: "NOT_FOUND", Message: "complaint not found", HTTPStatus: http.StatusNotFound, Err: err}
	}

	de, _ := NewInternalError(err).(*DomainError)
	return de
}
