package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Instrumentation or verification failed
	ExitCommandError = 2 // Command error (bad flags, unreadable input, database not found)
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode extracts the exit code from err. Errors that are not
// ExitErrors map to ExitFailure.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// outputFormatter writes command results as text or JSON.
type outputFormatter struct {
	Format string
	Writer io.Writer
}

// response is the JSON envelope of every command.
type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Success writes data. Text output relies on data's String method.
func (f *outputFormatter) Success(data any) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprint(f.Writer, data)
	return err
}

// Failure reports err in JSON mode and passes it through. Text mode
// leaves printing to main.
func (f *outputFormatter) Failure(err error) error {
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(response{Status: "error", Error: err.Error()})
	}
	return err
}
