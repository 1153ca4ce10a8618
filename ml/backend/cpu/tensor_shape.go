// tensor_shape.go - Shape-Operationen für Tensoren
// Enthält: Reshape, Permute, Rows, Slice, Chunk

package cpu

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/ollama/assembler/ml"
)

// Reshape ändert die Form ohne die Daten zu kopieren. Eine Dimension darf -1 sein.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = slices.Clone(shape)
	if i := slices.Index(shape, -1); i >= 0 {
		rest := 1
		for j, d := range shape {
			if j != i {
				rest *= d
			}
		}

		if rest == 0 || len(t.data)%rest != 0 {
			panic(fmt.Errorf("cannot infer dimension for reshape %v from %v", shape, t.shape))
		}
		shape[i] = len(t.data) / rest
	}

	if numel(shape) != len(t.data) {
		panic(fmt.Errorf("cannot reshape %v to %v", t.shape, shape))
	}

	c := ctx.(*Context)
	return &Tensor{b: c.b, shape: shape, dtype: t.dtype, data: t.data}
}

// Permute vertauscht die Dimensionen; order[i] ist die Quelldimension von Ausgabedimension i
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Errorf("permute order %v does not match shape %v", order, t.shape))
	}

	shape := make([]int, len(order))
	for i, o := range order {
		shape[i] = t.shape[o]
	}

	if isIdentity(order) || numel(shape) == 0 {
		return ctx.(*Context).newTensor(t.dtype, shape, slices.Clone(t.data))
	}

	var tt tensor.Tensor = tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	tt, err := tensor.Transpose(tt, order...)
	if err != nil {
		panic(fmt.Errorf("permute %v by %v: %w", t.shape, order, err))
	}
	tt = tensor.Materialize(tt)

	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		panic(err)
	}

	data, err := native.VectorF32(tt.(*tensor.Dense))
	if err != nil {
		panic(err)
	}

	return ctx.(*Context).newTensor(t.dtype, shape, data)
}

func isIdentity(order []int) bool {
	for i, o := range order {
		if i != o {
			return false
		}
	}

	return true
}

// Rows wählt Zeilen eines [rows, cols] Tensors anhand der Indizes in t2
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := t2.(*Tensor)
	rows := t.shape[0]
	cols := numel(t.shape[1:])

	out := make([]float32, 0, len(ids.data)*cols)
	for _, f := range ids.data {
		id := int(f)
		if id < 0 || id >= rows {
			panic(fmt.Errorf("row index %d out of range [0, %d)", id, rows))
		}
		out = append(out, t.data[id*cols:(id+1)*cols]...)
	}

	return ctx.(*Context).newTensor(t.dtype, append(ids.Shape(), t.shape[1:]...), out)
}

// Slice schneidet [low, high) mit Schrittweite step aus einer Dimension
func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	dim = t.normDim(dim)
	if step <= 0 {
		step = 1
	}

	high = min(high, t.shape[dim])
	if low < 0 || low > high {
		panic(fmt.Errorf("invalid slice [%d:%d] of dim %d with shape %v", low, high, dim, t.shape))
	}

	outer := numel(t.shape[:dim])
	inner := numel(t.shape[dim+1:])

	var idx []int
	for i := low; i < high; i += step {
		idx = append(idx, i)
	}

	out := make([]float32, 0, outer*len(idx)*inner)
	for o := range outer {
		base := o * t.shape[dim] * inner
		for _, i := range idx {
			out = append(out, t.data[base+i*inner:base+(i+1)*inner]...)
		}
	}

	shape := t.Shape()
	shape[dim] = len(idx)
	return ctx.(*Context).newTensor(t.dtype, shape, out)
}

// Chunk teilt eine Dimension in Stücke der Größe size
func (t *Tensor) Chunk(ctx ml.Context, dim int, size int) []ml.Tensor {
	dim = t.normDim(dim)
	if size <= 0 {
		panic(fmt.Errorf("invalid chunk size %d", size))
	}

	var chunks []ml.Tensor
	for low := 0; low < t.shape[dim]; low += size {
		chunks = append(chunks, t.Slice(ctx, dim, low, low+size, 1))
	}

	return chunks
}
