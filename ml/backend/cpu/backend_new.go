// backend_new.go - Backend-Konstruktor
// Enthält: New() Funktion zum Erstellen eines neuen CPU-Backends

package cpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sys/cpu"

	"github.com/ollama/assembler/logutil"
	"github.com/ollama/assembler/ml"
)

var once sync.Once

// New erstellt ein neues CPU-Backend aus den übergebenen Gewichten
func New(params ml.BackendParams) (ml.Backend, error) {
	once.Do(func() {
		slog.Debug("cpu backend",
			"goarch", runtime.GOARCH,
			"avx", cpu.X86.HasAVX,
			"avx2", cpu.X86.HasAVX2,
			"fma", cpu.X86.HasFMA,
			"neon", cpu.ARM64.HasASIMD,
		)
	})

	b := &Backend{
		tensors:    orderedmap.New[string, *Tensor](),
		numThreads: params.NumThreads,
	}

	if b.numThreads <= 0 {
		b.numThreads = runtime.NumCPU()
	}

	for i, w := range params.Weights {
		if _, ok := b.tensors.Get(w.Name); ok {
			return nil, fmt.Errorf("duplicate tensor name %q", w.Name)
		}

		if n := numel(w.Shape); n != len(w.Data) {
			return nil, fmt.Errorf("tensor %q: shape %v needs %d values, got %d", w.Name, w.Shape, n, len(w.Data))
		}

		dtype := w.DType
		if dtype == ml.DTypeOther {
			dtype = ml.DTypeF32
		}

		t := &Tensor{
			b:     b,
			name:  w.Name,
			shape: slices.Clone(w.Shape),
			dtype: dtype,
			data:  w.Data,
		}

		b.tensors.Set(w.Name, t)
		logutil.Trace("loaded tensor", "tensor", t)

		if params.Progress != nil {
			params.Progress(float32(i+1) / float32(len(params.Weights)))
		}
	}

	slog.Debug("model weights", "tensors", b.tensors.Len(), "threads", b.numThreads)
	return b, nil
}
