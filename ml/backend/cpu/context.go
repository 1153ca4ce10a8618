// context.go - Rechenkontext und Tensor-Erstellung
// Enthält: Context struct, newTensor(), Zeros(), FromFloats(), FromInts(), Arange(), Close()

package cpu

import (
	"fmt"
	"slices"

	"github.com/ollama/assembler/logutil"
	"github.com/ollama/assembler/ml"
)

// Context führt Operationen sofort aus und zählt die dabei erzeugten Werte
type Context struct {
	b *Backend

	// allocated zählt die Anzahl erzeugter float32-Werte
	allocated int
}

// newTensor erstellt einen neuen Tensor, der die übergebenen Daten übernimmt
func (c *Context) newTensor(dtype ml.DType, shape []int, data []float32) *Tensor {
	if n := numel(shape); n != len(data) {
		panic(fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data)))
	}

	c.allocated += len(data)
	return &Tensor{b: c.b, shape: shape, dtype: dtype, data: data}
}

// Zeros erstellt einen mit Nullen gefüllten Tensor
func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, slices.Clone(shape), make([]float32, numel(shape)))
}

// FromFloats erstellt einen float32-Tensor aus einem Slice
func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	return c.newTensor(ml.DTypeF32, slices.Clone(shape), slices.Clone(s))
}

// FromInts erstellt einen int32-Tensor aus einem Slice.
// Die Werte werden intern als float32 gehalten und sind bis 2^24 exakt.
func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	data := make([]float32, len(s))
	for i, v := range s {
		data[i] = float32(v)
	}

	return c.newTensor(ml.DTypeI32, slices.Clone(shape), data)
}

// Arange erstellt einen 1D-Tensor mit Werten aus [start, stop)
func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step == 0 || (stop-start)/step < 0 {
		panic(fmt.Errorf("invalid arange (start: %v, stop: %v, step: %v)", start, stop, step))
	}

	var data []float32
	for v := start; (step > 0 && v < stop) || (step < 0 && v > stop); v += step {
		data = append(data, v)
	}

	return c.newTensor(dtype, []int{len(data)}, data)
}

// Close beendet den Kontext. Tensoren bleiben gültig, solange sie referenziert werden.
func (c *Context) Close() {
	if c != nil {
		logutil.Trace("context closed", "allocated", c.allocated)
	}
}
