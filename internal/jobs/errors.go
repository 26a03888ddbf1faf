package jobs

import (
	"fmt"
	"net/http"
	"strings"
)

// Code is the machine-readable error code returned to callers.
type Code string

const (
	CodeMethodNotAllowed     Code = "method_not_allowed"
	CodeInvalidRequest       Code = "invalid_request"
	CodeNotFound             Code = "not_found"
	CodeInvalidState         Code = "invalid_state"
	CodeCheckpointInProgress Code = "checkpoint_in_progress"
	CodeStagingFailed        Code = "staging_failed"
	CodeConfigurationFailed  Code = "configuration_failed"
	CodeValidationFailed     Code = "validation_failed"
	CodeStorageInitFailed    Code = "storage_init_failed"
	CodeInternal             Code = "internal_error"
	CodeForbidden            Code = "forbidden"
	CodeUnauthorized         Code = "unauthorized"
)

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(c Code) int {
	switch c {
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeInvalidRequest, CodeInvalidState,
		CodeStagingFailed, CodeConfigurationFailed, CodeValidationFailed, CodeStorageInitFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeCheckpointInProgress:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a coded failure of a step invocation.
type Error struct {
	Code     Code
	Message  string
	Messages []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Status() int {
	return HTTPStatus(e.Code)
}

func Errorf(code Code, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Code: code, Message: msg, Messages: []string{msg}}
}

// Failure is returned by a step's Execute when the work itself failed. The
// runner moves the project to failed and records Details on the checkpoint.
type Failure struct {
	Message  string
	Messages []string
	Details  map[string]any
}

func (f *Failure) Error() string {
	return f.Message
}

// Fail builds a Failure whose message joins msgs with "; ".
func Fail(details map[string]any, msgs ...string) *Failure {
	return &Failure{Message: strings.Join(msgs, "; "), Messages: msgs, Details: details}
}
