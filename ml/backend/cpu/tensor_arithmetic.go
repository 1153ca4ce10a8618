// tensor_arithmetic.go - Basis-Arithmetik-Operationen für Tensoren
// Enthält: Add, Sub, Mul, Div, Scale, Repeat, Concat mit Broadcasting

package cpu

import (
	"fmt"
	"slices"

	"github.com/ollama/assembler/ml"
)

// Add addiert zwei Tensoren elementweise
func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(a, b float32) float32 { return a + b })
}

// Sub subtrahiert zwei Tensoren elementweise
func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(a, b float32) float32 { return a - b })
}

// Mul multipliziert zwei Tensoren elementweise
func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(a, b float32) float32 { return a * b })
}

// Div dividiert zwei Tensoren elementweise
func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(a, b float32) float32 { return a / b })
}

// Scale multipliziert alle Werte mit einem Skalar
func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(ctx, func(v float32) float32 { return v * float32(s) })
}

// broadcastShapes berechnet die Ergebnis-Shape nach numpy-Regeln
func broadcastShapes(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			panic(fmt.Errorf("shapes %v and %v are not broadcastable", a, b))
		}
	}

	return out
}

// broadcastStrides liefert Strides von shape ausgerichtet auf out; gebroadcastete Dimensionen haben Stride 0
func broadcastStrides(shape, out []int) []int {
	s := strides(shape)
	bs := make([]int, len(out))
	for i := range out {
		if j := len(shape) - len(out) + i; j >= 0 && shape[j] != 1 {
			bs[i] = s[j]
		}
	}

	return bs
}

func (t *Tensor) binary(ctx ml.Context, t2 ml.Tensor, fn func(a, b float32) float32) ml.Tensor {
	b := t2.(*Tensor)
	if slices.Equal(t.shape, b.shape) {
		out := make([]float32, len(t.data))
		for i := range out {
			out[i] = fn(t.data[i], b.data[i])
		}

		return ctx.(*Context).newTensor(ml.DTypeF32, t.Shape(), out)
	}

	shape := broadcastShapes(t.shape, b.shape)
	sa, sb := broadcastStrides(t.shape, shape), broadcastStrides(b.shape, shape)

	out := make([]float32, numel(shape))
	idx := make([]int, len(shape))
	var ia, ib int
	for i := range out {
		out[i] = fn(t.data[ia], b.data[ib])
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < shape[d] {
				break
			}

			ia -= sa[d] * shape[d]
			ib -= sb[d] * shape[d]
			idx[d] = 0
		}
	}

	return ctx.(*Context).newTensor(ml.DTypeF32, shape, out)
}

func (t *Tensor) unary(ctx ml.Context, fn func(float32) float32) ml.Tensor {
	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = fn(v)
	}

	return ctx.(*Context).newTensor(ml.DTypeF32, t.Shape(), out)
}

// Repeat wiederholt den Tensor n-mal entlang einer Dimension
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	dim = t.normDim(dim)
	outer := numel(t.shape[:dim])
	inner := numel(t.shape[dim:])

	out := make([]float32, 0, len(t.data)*n)
	for o := range outer {
		block := t.data[o*inner : (o+1)*inner]
		for range n {
			out = append(out, block...)
		}
	}

	shape := t.Shape()
	shape[dim] *= n
	return ctx.(*Context).newTensor(t.dtype, shape, out)
}

// Concat verbindet zwei Tensoren entlang einer Dimension
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := t2.(*Tensor)
	dim = t.normDim(dim)
	if len(t.shape) != len(b.shape) {
		panic(fmt.Errorf("concat rank mismatch: %v and %v", t.shape, b.shape))
	}

	for i := range t.shape {
		if i != dim && t.shape[i] != b.shape[i] {
			panic(fmt.Errorf("concat shape mismatch on dim %d: %v and %v", dim, t.shape, b.shape))
		}
	}

	outer := numel(t.shape[:dim])
	ia, ib := numel(t.shape[dim:]), numel(b.shape[dim:])

	out := make([]float32, 0, len(t.data)+len(b.data))
	for o := range outer {
		out = append(out, t.data[o*ia:(o+1)*ia]...)
		out = append(out, b.data[o*ib:(o+1)*ib]...)
	}

	shape := t.Shape()
	shape[dim] += b.shape[dim]
	return ctx.(*Context).newTensor(t.dtype, shape, out)
}
