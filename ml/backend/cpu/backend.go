// backend.go - Backend-Struktur und Basis-Methoden
// Enthält: Backend struct, init(), Close(), Get(), Names(), NewContext()

package cpu

import (
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/assembler/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend ist die reine Go-Implementierung fuer ML-Operationen.
// Parameter liegen in Ladereihenfolge in einer geordneten Map.
type Backend struct {
	// tensors mappt Parameternamen auf geladene Tensoren
	tensors *orderedmap.OrderedMap[string, *Tensor]

	// numThreads begrenzt parallele Gemm-Aufrufe bei Batch-Matmuls
	numThreads int
}

// Close gibt alle Parameter frei
func (b *Backend) Close() {
	if b == nil {
		return
	}

	slog.Debug("closing backend", "tensors", b.tensors.Len())
	b.tensors = orderedmap.New[string, *Tensor]()
}

// Get gibt den Parameter mit dem Namen zurück oder nil
func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors.Get(name); ok {
		return t
	}

	return nil
}

// Names gibt alle Parameternamen in Ladereihenfolge zurück
func (b *Backend) Names() []string {
	names := make([]string, 0, b.tensors.Len())
	for pair := b.tensors.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}

	return names
}

// NewContext erstellt einen neuen Rechenkontext
func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}
