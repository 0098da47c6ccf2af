// Package settings persists per-instance key/value configuration. Scope is an
// instance id; Global holds process-wide keys such as the instance list.
package settings

import (
	"fmt"
	"strings"
)

// Global is the process-wide scope.
const Global = -1

// Well-known keys.
const (
	KeyInstances   = "Instances"
	KeyUseCompiler = "UseCompiler"
)

// Store is safe for concurrent use. Get never fails: a missing key or a
// backend error yields def.
type Store interface {
	Get(scope int, key string, def any) any
	Set(scope int, key string, value any) error
	GetAll(scope int) map[string]any
	SetAll(scope int, values map[string]any) error
	Remove(scope int) error
	Close() error
}

// Open selects a backend by name: "memory" (or empty), "file" or "sqlite".
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return OpenFile(path)
	case "sqlite":
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("settings: unknown backend %q", backend)
}
