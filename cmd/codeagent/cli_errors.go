// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/codeagent/pkg/errors"
)

// CLIError pairs an AgentError with a hint for the user.
type CLIError struct {
	*errors.AgentError
	Hint string
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.AgentError == nil {
		return "unknown error"
	}
	msg := e.AgentError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error { return e.AgentError }

// withHint attaches the hint matching err's code.
func withHint(err error) *CLIError {
	var ce *CLIError
	if stderrors.As(err, &ce) {
		return ce
	}
	ae := errors.AsAgentError(err)
	return &CLIError{AgentError: ae, Hint: hintFor(ae)}
}

func hintFor(ae *errors.AgentError) string {
	switch ae.Code {
	case errors.CodeInvalidInput:
		if p, ok := ae.Context["path"]; ok {
			return fmt.Sprintf("check %v for syntax errors", p)
		}
		if k, ok := ae.Context["key"]; ok {
			return fmt.Sprintf("run 'codeagent config show' to see the current value of %v", k)
		}
		return "run 'codeagent help' for usage information"
	case errors.CodeModel, errors.CodeTimeout:
		return "check that the model server is running and the model is pulled"
	case errors.CodePermissionDenied:
		return "grant access with the approval prompt or a permissions rule"
	case errors.CodeProtocol:
		return "the model did not follow the action format; try rephrasing or a stronger model"
	case errors.CodeIO:
		return "check the file exists and is readable"
	}
	return ""
}

// FormatErrorCode returns a readable name for an error code.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeModel:
		return "Model Error"
	case errors.CodeParse:
		return "Parse Error"
	case errors.CodePermissionDenied:
		return "Permission Denied"
	case errors.CodeCapability:
		return "Not Allowed"
	case errors.CodeProtocol:
		return "Protocol Error"
	case errors.CodeIO:
		return "I/O Error"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeAborted:
		return "Aborted"
	default:
		return "Internal Error"
	}
}

func printError(w io.Writer, err error) {
	if err == nil {
		return
	}
	ce := withHint(err)
	_, _ = fmt.Fprintf(w, "Error [%s]: %s", FormatErrorCode(ce.Code), ce.Message)
	if ce.Err != nil {
		_, _ = fmt.Fprintf(w, ": %v", ce.Err)
	}
	_, _ = fmt.Fprintln(w)
	if ce.Hint != "" {
		_, _ = fmt.Fprintf(w, "  Hint: %s\n", ce.Hint)
	}
}

// exitCode maps errors to process exit codes: 2 for usage and configuration
// problems, 130 for an abort, 1 otherwise.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidInput:
		return 2
	case errors.CodeAborted:
		return 130
	case "":
		// cobra reports flag and argument errors as plain errors.
		return 2
	default:
		return 1
	}
}
