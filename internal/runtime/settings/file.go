package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/drblury/liveloop/internal/runtime/jsoncodec"
)

// File is a Memory store mirrored to a JSON document. Every mutation rewrites
// the document through a temp file and rename.
type File struct {
	*Memory
	path string
	// serialises writers so renames land in mutation order
	writeMu sync.Mutex
}

// OpenFile loads path if it exists.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("settings: file path is required")
	}
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return f, nil
	}

	doc, err := jsoncodec.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}
	scopes, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("settings: %s is not a JSON object", path)
	}
	for name, raw := range scopes {
		scope, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		values, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range values {
			f.Memory.set(scope, k, v)
		}
	}
	return f, nil
}

func (f *File) Set(scope int, key string, value any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.Memory.Set(scope, key, value)
	return f.flush()
}

func (f *File) SetAll(scope int, values map[string]any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.Memory.SetAll(scope, values)
	return f.flush()
}

func (f *File) Remove(scope int) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.Memory.Remove(scope)
	return f.flush()
}

func (f *File) Close() error { return nil }

func (f *File) flush() error {
	snap := f.Memory.snapshot()
	doc := make(map[string]map[string]any, len(snap))
	for scope, values := range snap {
		doc[strconv.Itoa(scope)] = values
	}
	data, err := jsoncodec.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}
