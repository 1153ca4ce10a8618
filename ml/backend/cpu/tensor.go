// tensor.go - Tensor-Struktur und Basis-Methoden
// Enthält: Tensor struct, Dim, Shape, Floats, DType, Cast

package cpu

import (
	"fmt"
	"log/slog"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/assembler/ml"
)

// Tensor ist ein dichter row-major Tensor.
// Die Daten werden nach der Erstellung nie verändert und dürfen daher
// zwischen Tensoren geteilt werden (z.B. nach Reshape).
type Tensor struct {
	b     *Backend
	name  string
	shape []int
	dtype ml.DType
	data  []float32
}

// LogValue gibt den Tensor als slog-Wert zurück
func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.name),
		slog.String("type", t.dtype.String()),
		slog.Any("shape", t.shape),
	)
}

// Dim gibt die Größe einer Dimension zurück. Negative Werte zählen vom Ende.
func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}

	if n < 0 || n >= len(t.shape) {
		return 1
	}

	return t.shape[n]
}

// Shape gibt die Form des Tensors zurück
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// DType gibt den Datentyp zurück
func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// Floats gibt eine Kopie der Daten zurück
func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

// Cast rundet die Werte auf die Genauigkeit des Zieltyps
func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	data := make([]float32, len(t.data))
	switch dtype {
	case ml.DTypeF32:
		copy(data, t.data)
	case ml.DTypeF16:
		for i, v := range t.data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		data = bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(t.data))
	case ml.DTypeI32:
		for i, v := range t.data {
			data[i] = float32(int32(v))
		}
	default:
		panic(fmt.Errorf("unsupported dtype for cast: %v", dtype))
	}

	return ctx.(*Context).newTensor(dtype, t.Shape(), data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v(%s)", t.name, t.shape, t.dtype)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

// strides berechnet row-major Strides für eine Shape
func strides(shape []int) []int {
	s := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = n
		n *= shape[i]
	}

	return s
}

// normDim wandelt negative Dimensionsindizes um und prüft den Bereich
func (t *Tensor) normDim(dim int) int {
	if dim < 0 {
		dim += len(t.shape)
	}

	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Errorf("dimension %d out of range for shape %v", dim, t.shape))
	}

	return dim
}
