package output

// StructuredError carries machine-parseable metadata alongside the
// human-readable message so agents driving the CLI can recover.
type StructuredError struct {
	// Code is a machine-readable identifier (e.g. "CONFIG_NOT_FOUND").
	Code string `json:"code" yaml:"code"`

	// Message is the human-readable description.
	Message string `json:"message" yaml:"message"`

	// Guidance explains why this error occurred.
	Guidance string `json:"guidance,omitempty" yaml:"guidance,omitempty"`

	// RecoveryCommand suggests a command that may fix the issue.
	RecoveryCommand string `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`

	// Context holds additional structured data about the error.
	Context map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
}

// Error implements the error interface.
func (e StructuredError) Error() string {
	return e.Message
}

// Error codes used by the CLI commands.
const (
	ErrCodeConfigNotFound   = "CONFIG_NOT_FOUND"
	ErrCodeServerNotFound   = "SERVER_NOT_FOUND"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeRecordNotFound   = "RECORD_NOT_FOUND"
	ErrCodeToolCallFailed   = "TOOL_CALL_FAILED"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
)

// NewStructuredError creates an error with the given code and message.
func NewStructuredError(code, message string) StructuredError {
	return StructuredError{
		Code:    code,
		Message: message,
	}
}

// WithGuidance adds guidance to the error.
func (e StructuredError) WithGuidance(guidance string) StructuredError {
	e.Guidance = guidance
	return e
}

// WithRecoveryCommand adds a recovery command suggestion.
func (e StructuredError) WithRecoveryCommand(cmd string) StructuredError {
	e.RecoveryCommand = cmd
	return e
}

// WithContext adds one key of context data to the error.
func (e StructuredError) WithContext(key string, value interface{}) StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// FromError converts a plain error to a StructuredError, passing
// existing StructuredErrors through unchanged.
func FromError(err error, code string) StructuredError {
	if se, ok := err.(StructuredError); ok {
		return se
	}
	return StructuredError{
		Code:    code,
		Message: err.Error(),
	}
}
