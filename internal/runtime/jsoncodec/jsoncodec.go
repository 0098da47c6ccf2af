package jsoncodec

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd
	numberConfig  = sonic.Config{UseNumber: true}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// UnmarshalValue decodes a stored setting. Integral numbers come back as
// int64 so ids and compiler selections survive a round trip unchanged.
func UnmarshalValue(data []byte) (any, error) {
	var v any
	if err := numberConfig.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
	}
	return v
}
