package sandbox

import "fmt"

// ErrorCode classifies a failed sandbox run.
type ErrorCode string

const (
	// ErrorCodeCompile indicates the source failed to transpile or parse
	ErrorCodeCompile ErrorCode = "COMPILE_ERROR"

	// ErrorCodeRuntime indicates the code threw or the interpreter exited non-zero
	ErrorCodeRuntime ErrorCode = "RUNTIME_ERROR"

	// ErrorCodeTimeout indicates the run was killed at its deadline
	ErrorCodeTimeout ErrorCode = "TIMEOUT"

	// ErrorCodeInterpreter indicates the external interpreter could not be launched
	ErrorCodeInterpreter ErrorCode = "INTERPRETER_ERROR"
)

// RunError is a classified failure from a language runner.
type RunError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("%s: %s\n%s", e.Code, e.Message, e.Stack)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newRunError(code ErrorCode, message string) *RunError {
	return &RunError{Code: code, Message: message}
}

func runErrorf(code ErrorCode, format string, args ...interface{}) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}
