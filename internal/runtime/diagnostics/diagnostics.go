// Package diagnostics turns interpreter failures into line-addressable messages
// that can be routed back to the instance that produced them.
package diagnostics

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NoLine marks a diagnostic whose source line could not be determined.
const NoLine = -1

// Messages reported to instances outside of interpreter failures.
const (
	MsgEmptyProgram     = "File is empty. Nothing to execute."
	MsgUserTerminated   = "User Terminated."
	MsgFaultyCode       = "Code is faulty."
	MsgCompilerNotFound = "Compiler not found."
)

// Diagnostic is a message with an optional 1-based source line.
type Diagnostic struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
}

// New returns a diagnostic without line information.
func New(message string) Diagnostic {
	return Diagnostic{Message: message, Line: NoLine}
}

// HasLine reports whether the diagnostic points at a source line.
func (d Diagnostic) HasLine() bool {
	return d.Line >= 0
}

func (d Diagnostic) String() string {
	return d.Message
}

// Fault is the raised-exception state of an embedded interpreter.
type Fault interface {
	// Kind is the exception type name, for example "SyntaxError".
	Kind() string
	// Value is the string form of the exception value.
	Value() string
	// Traceback is the formatted traceback, one entry per line.
	Traceback() []string
}

// Clearer is implemented by faults that hold interpreter-global error state.
// Translate calls Clear once the fault has been rendered.
type Clearer interface {
	Clear()
}

var lineToken = regexp.MustCompile(`line ([0-9]+)`)

// Translate renders f as "<kind>: '<value>' at line <n>". The line is taken
// from the exception value first and from the formatted traceback second;
// when neither mentions one the diagnostic carries NoLine.
func Translate(f Fault) Diagnostic {
	if f == nil {
		return New("Error: 'unknown failure'")
	}
	if c, ok := f.(Clearer); ok {
		defer c.Clear()
	}

	value := f.Value()
	text := f.Kind() + ": '"

	if m := lineToken.FindStringSubmatchIndex(value); m != nil {
		n, err := strconv.Atoi(value[m[2]:m[3]])
		if err == nil {
			text += stripLocation(value, value[m[2]:m[3]])
			return Diagnostic{Message: text + "' at line " + strconv.Itoa(n), Line: n}
		}
	}

	text += value
	traceback := strings.Join(f.Traceback(), "\n")
	if m := lineToken.FindStringSubmatch(traceback); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return Diagnostic{Message: text + "' at line " + strconv.Itoa(n), Line: n}
		}
	}
	return Diagnostic{Message: text + "'", Line: NoLine}
}

// stripLocation removes a trailing " (<name>, line N)" style suffix.
func stripLocation(value, n string) string {
	suffix := regexp.MustCompile(`\s*\([^()]*\bline ` + n + `\)`)
	return suffix.ReplaceAllString(value, "")
}

// Error carries a Diagnostic through error returns.
type Error struct {
	Diagnostic
}

// Errorf builds an Error for line with a formatted message.
func Errorf(line int, format string, args ...any) *Error {
	return &Error{Diagnostic{Message: fmt.Sprintf(format, args...), Line: line}}
}

func (e *Error) Error() string {
	if e.HasLine() {
		return fmt.Sprintf("%s (line %d)", e.Message, e.Line)
	}
	return e.Message
}

// FromError extracts the diagnostic of err. Errors that carry none are
// rendered with their message and NoLine.
func FromError(err error) Diagnostic {
	if err == nil {
		return Diagnostic{Line: NoLine}
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Diagnostic
	}
	var f Fault
	if errors.As(err, &f) {
		return Translate(f)
	}
	return New(err.Error())
}
