// Package apperr defines the structured error kinds surfaced across routecore.
// Business-logic failures (no qualified model, budget exceeded) are values,
// not panics: callers branch on Code, the HTTP layer maps Code to a status.
package apperr

import "fmt"

// Code identifies a class of error.
type Code string

const (
	CodeValidation            Code = "validation_error"
	CodeNotFound              Code = "not_found"
	CodeExecution             Code = "execution_error"
	CodeBudgetExceeded        Code = "budget_exceeded"
	CodeNoQualifiedModels     Code = "no_qualified_models"
	CodeCalibrationUnavail    Code = "calibration_unavailable"
	CodePortfolioCoverage     Code = "portfolio_coverage_invalid"
	CodeInternal              Code = "internal"
)

// Error is the structured error type returned by every routecore component.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is supports errors.Is(err, &apperr.Error{Code: X}) by comparing codes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...), nil)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...), nil)
}

func Execution(format string, args ...any) *Error {
	return New(CodeExecution, fmt.Sprintf(format, args...), nil)
}

func BudgetExceeded(details map[string]any) *Error {
	return New(CodeBudgetExceeded, "budget exceeded", details)
}

func NoQualifiedModels(details map[string]any) *Error {
	return New(CodeNoQualifiedModels, "no qualified models for task", details)
}

func PortfolioCoverageInvalid(missing []string) *Error {
	return New(CodePortfolioCoverage, "portfolio slot ids missing from registry", map[string]any{
		"missingModelIds": missing,
	})
}

func Internal(format string, args ...any) *Error {
	return New(CodeInternal, fmt.Sprintf(format, args...), nil)
}

// HTTPStatus maps an error Code to the HTTP status the API surface uses.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeBudgetExceeded, CodeNoQualifiedModels, CodePortfolioCoverage:
		return 200 // graceful business outcomes, not transport failures
	case CodeExecution, CodeCalibrationUnavail, CodeInternal:
		return 500
	default:
		return 500
	}
}
