// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ASSEMBLER_DEBUG":       {"ASSEMBLER_DEBUG", LogLevel(), "Show additional debug information (e.g. ASSEMBLER_DEBUG=1, 2 for tensor traces)"},
		"ASSEMBLER_MODELS":      {"ASSEMBLER_MODELS", Models(), "The path to the checkpoint directory"},
		"ASSEMBLER_NUM_THREADS": {"ASSEMBLER_NUM_THREADS", NumThreads(), "Parallel workers for batched matrix multiplies (default: number of CPUs)"},
		"ASSEMBLER_CACHE_TYPE":  {"ASSEMBLER_CACHE_TYPE", CacheType(), "Storage type for the K/V cache: f32, f16 or bf16 (default: f32)"},
		"ASSEMBLER_BACKEND":     {"ASSEMBLER_BACKEND", Backend(), "Tensor backend to use (default: cpu)"},
		"ASSEMBLER_STRICT":      {"ASSEMBLER_STRICT", Strict(), "Fail when a checkpoint contains unused weights"},
		"ASSEMBLER_MAX_LENGTH":  {"ASSEMBLER_MAX_LENGTH", MaxLength(), "Maximum decode length held by the K/V cache (default: 512)"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
