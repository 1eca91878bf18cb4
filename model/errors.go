package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrValidation           = "VALIDATION_ERROR"
	ErrNotFound             = "NOT_FOUND"
	ErrConflict             = "CONFLICT"
	ErrNoApproverFound      = "NO_APPROVER_FOUND"
	ErrTaskAlreadyProcessed = "TASK_ALREADY_PROCESSED"
	ErrNoDeployedTemplate   = "NO_DEPLOYED_TEMPLATE"
	ErrEngineUnavailable    = "ENGINE_UNAVAILABLE"
	ErrInternal             = "INTERNAL_ERROR"
)

// ErrorEnvelope is the typed error returned by every operation in this
// service. It implements the error interface; callers classify it by Code.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError returns a VALIDATION_ERROR (caller's fault).
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidation, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error (optimistic lock or
// uniqueness violation).
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewNoApproverFoundError reports that every fallback for a routing role
// was exhausted. Distinct from NOT_FOUND: the inputs were valid, the
// organizational data simply has nobody to fill the role.
func NewNoApproverFoundError(role string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoApproverFound,
		Message: fmt.Sprintf("no approver could be resolved for role %q", role),
	}
}

// NewTaskAlreadyProcessedError reports a second completion attempt on a
// task already in a terminal status.
func NewTaskAlreadyProcessedError(taskID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskAlreadyProcessed,
		Message: fmt.Sprintf("task %q has already been processed (status %s)", taskID, status),
	}
}

// NewNoDeployedTemplateError reports that no usable process definition is
// deployed for a business type. The message enumerates template counts
// because this is the most common operational failure mode.
func NewNoDeployedTemplateError(businessType string, total, deployed int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrNoDeployedTemplate,
		Message: fmt.Sprintf(
			"no deployed process template for business type %q: %d template(s) exist, %d deployed",
			businessType, total, deployed,
		),
	}
}

// NewEngineUnavailableError reports an infrastructure failure talking to
// the external workflow engine.
func NewEngineUnavailableError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "the workflow engine is temporarily unavailable"
	}
	return &ErrorEnvelope{Code: ErrEngineUnavailable, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "an unexpected error occurred"
	}
	return &ErrorEnvelope{Code: ErrInternal, Message: msg}
}

// CodeOf extracts the error code from err. Wrapped envelopes are
// unwrapped; anything else maps to INTERNAL_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
