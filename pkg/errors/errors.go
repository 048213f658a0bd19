// Unified error handling for the toolchanger host.
//
// Every error raised by the core carries a Code identifying its category so
// that callers (the command dispatcher, the status server) can decide how to
// report it without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code represents the category of an error.
type Code string

const (
	// CodeConfig marks malformed or inconsistent configuration. Fatal at
	// load time.
	CodeConfig Code = "CONFIG"

	// CodeNotHomed marks a tool change attempted on an unhomed machine.
	CodeNotHomed Code = "NOT_HOMED"

	// CodeInvalidState marks an operation refused because of inconsistent
	// runtime state (unknown tool mounted, bad remap, ...).
	CodeInvalidState Code = "INVALID_STATE"

	// CodeGcodeScript marks a failure inside a tool-change G-code hook.
	CodeGcodeScript Code = "GCODE_SCRIPT"

	// CodeUnknownEndstop marks a query for an endstop that is not
	// registered.
	CodeUnknownEndstop Code = "UNKNOWN_ENDSTOP"

	// CodeUnknownCommand marks dispatch of an unregistered command.
	CodeUnknownCommand Code = "UNKNOWN_COMMAND"

	// CodeVarStore marks a persistence failure in the variable store.
	CodeVarStore Code = "VARSTORE"
)

// NoTool is the Tool field value of errors not attributable to a tool.
const NoTool = -1

// Error is the unified error type for the host.
type Error struct {
	// Code is the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Tool is the tool number the error relates to, or NoTool.
	Tool int

	// Hook names the G-code hook that failed, if any.
	Hook string

	// Err wraps the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Tool != NoTool {
		msg += fmt.Sprintf(" (tool %d)", e.Tool)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Tool: NoTool}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Tool: NoTool, Err: err}
}

// Configf creates a load-time configuration error.
func Configf(format string, args ...any) *Error {
	return New(CodeConfig, fmt.Sprintf(format, args...))
}

// NotHomed creates an error for a tool change on an unhomed machine.
func NotHomed(tool int, message string) *Error {
	e := New(CodeNotHomed, message)
	e.Tool = tool
	return e
}

// InvalidStatef creates an inconsistent-runtime-state error.
func InvalidStatef(format string, args ...any) *Error {
	return New(CodeInvalidState, fmt.Sprintf(format, args...))
}

// GcodeScript wraps a hook failure with the hook name and tool number.
func GcodeScript(hook string, tool int, err error) *Error {
	e := Wrap(err, CodeGcodeScript, fmt.Sprintf("%s gcode: script running error", hook))
	e.Tool = tool
	e.Hook = hook
	return e
}

// UnknownEndstop creates an error for an unregistered endstop name.
func UnknownEndstop(name string) *Error {
	return New(CodeUnknownEndstop, fmt.Sprintf("unknown endstop '%s'", name))
}

// UnknownCommand creates an error for an unregistered command.
func UnknownCommand(name string) *Error {
	return New(CodeUnknownCommand, fmt.Sprintf("unknown command: %s", name))
}

// VarStore wraps a persistence failure.
func VarStore(message string, err error) *Error {
	return Wrap(err, CodeVarStore, message)
}

// Is reports whether err (or any error it wraps) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}
