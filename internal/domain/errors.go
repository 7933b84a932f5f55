package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Wrap these with NewDomainError (or
// fmt.Errorf + %w) so that callers can classify failures with errors.Is and
// the tool surface can map them to machine-parseable codes.
var (
	ErrMissingConfig    = fmt.Errorf("missing configuration")
	ErrProvider         = fmt.Errorf("provider error")
	ErrNetwork          = fmt.Errorf("network error")
	ErrCallNotFound     = fmt.Errorf("call not found")
	ErrCallTimeout      = fmt.Errorf("call timed out")
	ErrCallHungUp       = fmt.Errorf("call hung up")
	ErrTranscription    = fmt.Errorf("transcription failed")
	ErrSynthesis        = fmt.Errorf("speech synthesis failed")
	ErrWebhookSignature = fmt.Errorf("webhook signature invalid")
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrInvalidState     = fmt.Errorf("invalid call state")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g. "Orchestrator.Initiate")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and for the
// single-line error strings the tool surface returns to the caller.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "Unknown"
	CodeMissingConfig    ErrorCode = "MissingConfiguration"
	CodeProvider         ErrorCode = "ProviderError"
	CodeNetwork          ErrorCode = "NetworkError"
	CodeCallNotFound     ErrorCode = "CallNotFound"
	CodeCallTimeout      ErrorCode = "CallTimeout"
	CodeCallHungUp       ErrorCode = "CallHungUp"
	CodeTranscription    ErrorCode = "TranscriptionError"
	CodeSynthesis        ErrorCode = "SynthesisError"
	CodeWebhookSignature ErrorCode = "WebhookSignatureInvalid"
	CodeAuthFailed       ErrorCode = "AuthenticationFailed"
	CodeInvalidState     ErrorCode = "InvalidState"
	CodeInvalidInput     ErrorCode = "InvalidInput"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrMissingConfig:    CodeMissingConfig,
	ErrProvider:         CodeProvider,
	ErrNetwork:          CodeNetwork,
	ErrCallNotFound:     CodeCallNotFound,
	ErrCallTimeout:      CodeCallTimeout,
	ErrCallHungUp:       CodeCallHungUp,
	ErrTranscription:    CodeTranscription,
	ErrSynthesis:        CodeSynthesis,
	ErrWebhookSignature: CodeWebhookSignature,
	ErrAuthFailed:       CodeAuthFailed,
	ErrInvalidState:     CodeInvalidState,
	ErrInvalidInput:     CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is and returns CodeUnknown if no
// matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
