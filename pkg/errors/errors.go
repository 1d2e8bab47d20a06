// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy shared by the agent engine,
// the action executor and the permission layer.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies agent errors for recovery decisions and monitoring.
type ErrorCode string

const (
	// CodeParse indicates the model output could not be turned into an action.
	CodeParse ErrorCode = "PARSE_ERROR"

	// CodePermissionDenied indicates a policy refusal. It is reported, never retried.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// CodeCapability indicates a structural violation, such as a sub-agent
	// trying to delegate. Fatal for the offending action only.
	CodeCapability ErrorCode = "CAPABILITY_ERROR"

	// CodeModel indicates a transport or timeout failure talking to the model.
	CodeModel ErrorCode = "MODEL_ERROR"

	// CodeIO indicates a filesystem failure. The message is reported verbatim.
	CodeIO ErrorCode = "IO_ERROR"

	// CodeProtocol indicates a retry bound was exceeded or the state machine
	// was driven into an invalid transition. Fatal for the current turn.
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// CodeAborted indicates the user or the caller cancelled the session.
	CodeAborted ErrorCode = "ABORTED"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// IO error kinds carried in the "io.kind" context key.
const (
	IOKindNotFound     = "not_found"
	IOKindOSPermission = "os_permission"
	IOKindIO           = "io"
)

// AgentError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type AgentError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *AgentError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	})
}

// New creates a new AgentError with the given code, message, and cause.
// Recoverability defaults from the code and can be overridden.
func New(code ErrorCode, msg string, cause error) *AgentError {
	return &AgentError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Attributes:  make(map[string]string),
		Recoverable: defaultRecoverable(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...interface{}) *AgentError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *AgentError) WithContext(key string, value interface{}) *AgentError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *AgentError) WithAttribute(key, value string) *AgentError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *AgentError) WithRecoverable(recoverable bool) *AgentError {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *AgentError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsAgentError attempts to convert an error to an AgentError.
// Returns the error as AgentError if one is found in the chain, or wraps it otherwise.
func AsAgentError(err error) *AgentError {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if stderrors.As(err, &ae) {
		return ae
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first AgentError in the chain, or "" when
// there is none.
func CodeOf(err error) ErrorCode {
	var ae *AgentError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var ae *AgentError
	for err != nil {
		if !stderrors.As(err, &ae) {
			return false
		}
		if ae.Code == code {
			return true
		}
		err = ae.Err
	}
	return false
}

// IsRecoverable reports whether err may be retried by the engine loop.
// Plain errors are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AgentError
	if stderrors.As(err, &ae) {
		return ae.Recoverable
	}
	return true
}

func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeParse, CodeModel, CodeIO, CodeTimeout:
		return true
	default:
		return false
	}
}
