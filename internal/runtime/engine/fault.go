package engine

import (
	"errors"
	"strings"
)

// Fault is a failure raised inside a Program.
type Fault struct {
	kind      string
	value     string
	traceback []string
	cause     error
	clear     func()
}

// NewFault builds a Fault outside the interpreter, for example when a
// program returns a value of the wrong shape.
func NewFault(kind, value string, traceback ...string) *Fault {
	return &Fault{kind: kind, value: value, traceback: traceback}
}

func (f *Fault) Kind() string        { return f.kind }
func (f *Fault) Value() string       { return f.value }
func (f *Fault) Traceback() []string { return f.traceback }

// Clear resets the interrupt state of the interpreter that raised the fault.
func (f *Fault) Clear() {
	if f.clear != nil {
		f.clear()
	}
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(f.kind)
	b.WriteString(": ")
	b.WriteString(f.value)
	return b.String()
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// IsInterrupted reports whether err stems from Program.Interrupt.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
