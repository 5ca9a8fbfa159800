// Package errors provides the error taxonomy shared by the agentplane components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeCapacity        = "CAPACITY"
	ErrCodeRouting         = "ROUTING"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// Sentinel causes. Every AppError built by the named constructors below wraps
// one of these so callers can match with errors.Is.
var (
	ErrUnknownAgent        = errors.New("unknown agent")
	ErrDuplicateAgent      = errors.New("duplicate agent")
	ErrTerminalState       = errors.New("agent is terminated")
	ErrUnknownTemplate     = errors.New("unknown template")
	ErrUnknownTask         = errors.New("unknown task")
	ErrAgentUnavailable    = errors.New("agent unavailable")
	ErrInboxFull           = errors.New("inbox full")
	ErrAmbiguousRouting    = errors.New("ambiguous routing")
	ErrTaskTimeout         = errors.New("task timed out")
	ErrSamplingUnavailable = errors.New("resource sampling unavailable")
	ErrQueueFull           = errors.New("task queue is full")
	ErrBusClosed           = errors.New("message bus closed")
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(code string, status int, cause error, format string, args ...any) *AppError {
	return &AppError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
		Err:        cause,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, nil, "%s with id '%s' not found", resource, id)
}

// UnknownAgent reports an agent id that was never registered.
func UnknownAgent(agentID string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, ErrUnknownAgent, "agent with id '%s' not found", agentID)
}

// UnknownTemplate reports a template id that was never registered.
func UnknownTemplate(templateID string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, ErrUnknownTemplate, "template with id '%s' not found", templateID)
}

// UnknownTask reports a task id the controller does not know.
func UnknownTask(taskID string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, ErrUnknownTask, "task with id '%s' not found", taskID)
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, nil, "%s", message)
}

// DuplicateAgent reports a registration for an id that is still live.
func DuplicateAgent(agentID string) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, ErrDuplicateAgent, "agent '%s' is already registered", agentID)
}

// TerminalState reports a lifecycle change attempted on a terminated agent.
func TerminalState(agentID string) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, ErrTerminalState, "agent '%s' is terminated", agentID)
}

// AgentUnavailable reports an agent that cannot take work.
func AgentUnavailable(agentID, why string) *AppError {
	return newError(ErrCodeUnavailable, http.StatusServiceUnavailable, ErrAgentUnavailable, "agent '%s' is unavailable: %s", agentID, why)
}

// Unavailable wraps a failure of a dependency that is expected to recover.
func Unavailable(message string, err error) *AppError {
	return newError(ErrCodeUnavailable, http.StatusServiceUnavailable, err, "%s", message)
}

// Timeout reports an exceeded task or delivery deadline.
func Timeout(message string, err error) *AppError {
	return newError(ErrCodeTimeout, http.StatusGatewayTimeout, err, "%s", message)
}

// InboxFull reports a recipient whose inbox is at capacity.
func InboxFull(agentID string) *AppError {
	return newError(ErrCodeCapacity, http.StatusTooManyRequests, ErrInboxFull, "inbox of agent '%s' is full", agentID)
}

// Capacity reports any other bounded buffer at its limit.
func Capacity(message string, err error) *AppError {
	return newError(ErrCodeCapacity, http.StatusTooManyRequests, err, "%s", message)
}

// AmbiguousRouting reports a DIRECT message addressed to a group.
func AmbiguousRouting(target string) *AppError {
	return newError(ErrCodeRouting, http.StatusBadRequest, ErrAmbiguousRouting, "target '%s' is a group; DIRECT routing requires a concrete agent id", target)
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return newError(ErrCodeBadRequest, http.StatusBadRequest, nil, "%s", message)
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return newError(ErrCodeValidationError, http.StatusBadRequest, nil, "validation failed for field '%s': %s", field, message)
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return newError(ErrCodeInternalError, http.StatusInternalServerError, err, "%s", message)
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return InternalError(message, err)
}

func hasCode(err error, codes ...string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	for _, c := range codes {
		if appErr.Code == c {
			return true
		}
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsUnavailable checks if the error is an unavailable error.
func IsUnavailable(err error) bool { return hasCode(err, ErrCodeUnavailable) }

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsCapacity checks if the error is a capacity error.
func IsCapacity(err error) bool { return hasCode(err, ErrCodeCapacity) }

// IsRouting checks if the error is a routing error.
func IsRouting(err error) bool { return hasCode(err, ErrCodeRouting) }

// IsBadRequest checks if the error is a bad request or validation error.
func IsBadRequest(err error) bool { return hasCode(err, ErrCodeBadRequest, ErrCodeValidationError) }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
