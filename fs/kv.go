// kv.go - Schluessel/Wert-Konfiguration aus config.json
// Enthaelt: KV, Decode, Load, typisierte Getter mit Default-Werten
//
// Verschachtelte Objekte werden mit Punkten flachgeklopft:
// {"vision_config": {"hidden_size": 768}} -> "vision_config.hidden_size".

package fs

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"slices"
)

// KV ist eine flache Konfiguration
type KV map[string]any

// Decode liest eine JSON-Konfiguration
func Decode(r io.Reader) (KV, error) {
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	kv := make(KV)
	flatten(kv, "", raw)
	return kv, nil
}

// Load liest eine config.json von der Festplatte
func Load(path string) (KV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}

func flatten(kv KV, prefix string, m map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}

		if sub, ok := v.(map[string]any); ok {
			flatten(kv, k, sub)
			continue
		}

		kv[k] = v
	}
}

// Architecture gibt model_type oder den ersten Eintrag von architectures zurueck
func (kv KV) Architecture() string {
	if s, ok := kv["model_type"].(string); ok && s != "" {
		return s
	}

	if archs := kv.Strings("architectures"); len(archs) > 0 {
		return archs[0]
	}

	return "unknown"
}

func (kv KV) String(key string, defaultValue ...string) string {
	if v, ok := kv[key].(string); ok {
		return v
	}

	return fallback(key, defaultValue)
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	if v, ok := kv[key].(float64); ok && v >= 0 {
		return uint32(v)
	}

	return fallback(key, defaultValue)
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	if v, ok := kv[key].(float64); ok {
		return float32(v)
	}

	return fallback(key, defaultValue)
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	if v, ok := kv[key].(bool); ok {
		return v
	}

	return fallback(key, defaultValue)
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	if vs, ok := kv[key].([]any); ok {
		return convert(vs, func(v any) (string, bool) { s, ok := v.(string); return s, ok })
	}

	return fallback(key, defaultValue)
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	if vs, ok := kv[key].([]any); ok {
		return convert(vs, func(v any) (int32, bool) { f, ok := v.(float64); return int32(f), ok })
	}

	return fallback(key, defaultValue)
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	if vs, ok := kv[key].([]any); ok {
		return convert(vs, func(v any) (float32, bool) { f, ok := v.(float64); return float32(f), ok })
	}

	return fallback(key, defaultValue)
}

func (kv KV) Len() int {
	return len(kv)
}

func (kv KV) Keys() iter.Seq[string] {
	return slices.Values(slices.Sorted(maps.Keys(kv)))
}

func (kv KV) Value(key string) any {
	return kv[key]
}

// Require prueft, dass alle Schluessel gesetzt sind
func Require(c Config, keys ...string) error {
	for _, key := range keys {
		if c.Value(key) == nil {
			return fmt.Errorf("%w: %s", ErrMissingOption, key)
		}
	}

	return nil
}

func fallback[T any](key string, defaultValue []T) T {
	var zero T
	if len(defaultValue) > 0 {
		zero = defaultValue[0]
	}

	slog.Debug("key with type not found", "key", key, "default", zero)
	return zero
}

func convert[T any](vs []any, fn func(any) (T, bool)) []T {
	out := make([]T, 0, len(vs))
	for _, v := range vs {
		if t, ok := fn(v); ok {
			out = append(out, t)
		}
	}

	return out
}
