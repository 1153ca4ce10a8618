// backend.go - Backend-Interface und Registrierung fuer ML-Modelle
// Dieses Modul definiert das Backend-Interface und die Backend-Factory-Funktionen.
package ml

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrUnknownBackend = errors.New("unsupported backend")

// Backend holds the named parameters of an assembled model and hands out
// contexts for running tensor operations on them.
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	// Get returns the parameter stored under name or nil
	Get(name string) Tensor

	// Names lists all parameter names in load order
	Names() []string

	NewContext() Context
}

// Weight is a single named parameter as produced by a checkpoint reader.
type Weight struct {
	Name  string
	Shape []int
	DType DType
	Data  []float32
}

// BackendParams controls how the backend loads and executes models
type BackendParams struct {
	// NumThreads sets the number of threads to use if running on the CPU
	NumThreads int

	// Weights are the parameters the backend is initialized with
	Weights []Weight

	// Progress is called with the fraction of weights loaded
	Progress func(float32)
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a new backend instance. An empty name selects the cpu backend.
func NewBackend(name string, params BackendParams) (Backend, error) {
	if name == "" {
		name = "cpu"
	}

	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, slices.Sorted(maps.Keys(backends)))
}
