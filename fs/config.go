// Package fs - Modellkonfiguration
//
// Dieses Modul enthaelt:
// - Config: lesender Zugriff auf Konfigurationswerte mit Defaults
// - Fehler fuer fehlende und ungueltige Optionen
package fs

import (
	"errors"
	"iter"
)

var (
	ErrMissingOption = errors.New("missing required option")
	ErrInvalidOption = errors.New("invalid option")
)

type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Strings(string, ...[]string) []string
	Ints(string, ...[]int32) []int32
	Floats(string, ...[]float32) []float32

	Len() int
	Keys() iter.Seq[string]
	Value(key string) any
}
