package worker

import (
	"math"
	"strconv"
	"strings"
)

// Kind selects what a worker executes and which sink it drives.
// The numeric values are the ones persisted under the UseCompiler setting.
type Kind int

const (
	ScriptedSound Kind = iota
	NativeSound
	Shader
	Script
)

var kindNames = [...]string{
	ScriptedSound: "scripted-sound",
	NativeSound:   "native-sound",
	Shader:        "shader",
	Script:        "script",
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// Kinds returns every variant in setting order.
func Kinds() []Kind {
	return []Kind{ScriptedSound, NativeSound, Shader, Script}
}

// Valid reports whether k names one of the four variants.
func (k Kind) Valid() bool {
	return k >= ScriptedSound && k <= Script
}

// ParseKind converts a stored setting into a Kind. Integers, integral
// floats (as decoded from JSON) and decimal or named strings are accepted.
func ParseKind(v any) (Kind, bool) {
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint:
		n = int64(t)
	case uint32:
		n = int64(t)
	case uint64:
		if t > math.MaxInt32 {
			return 0, false
		}
		n = int64(t)
	case float32:
		return ParseKind(float64(t))
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, false
		}
		n = int64(t)
	case string:
		s := strings.TrimSpace(t)
		for i, name := range kindNames {
			if strings.EqualFold(s, name) {
				return Kind(i), true
			}
		}
		parsed, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, false
		}
		n = parsed
	case Kind:
		n = int64(t)
	default:
		return 0, false
	}
	k := Kind(n)
	if int64(k) != n || !k.Valid() {
		return 0, false
	}
	return k, true
}

// State is the lifecycle position of a worker.
type State int32

const (
	Created State = iota
	Running
	Faulted
	Finished
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	case Finished:
		return "finished"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= Faulted
}

// Reason classifies how a worker ended.
type Reason int

const (
	ReasonEmpty Reason = iota
	ReasonSetupFailed
	ReasonStepFailed
	ReasonFinished
	ReasonTerminated
)

func (r Reason) String() string {
	switch r {
	case ReasonEmpty:
		return "empty"
	case ReasonSetupFailed:
		return "setup_failed"
	case ReasonStepFailed:
		return "step_failed"
	case ReasonFinished:
		return "finished"
	case ReasonTerminated:
		return "terminated"
	}
	return "unknown"
}
