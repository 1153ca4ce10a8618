// tensor_matrix.go - Matrix-Operationen für Tensoren
// Enthält: Matmul, MatmulT (über gonum BLAS, parallel pro Batch)

package cpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/assembler/ml"
)

// Matmul multipliziert [..., m, k] mit [..., k, n]
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.matmul(ctx, t2.(*Tensor), blas.NoTrans)
}

// MatmulT multipliziert [..., m, k] mit der Transponierten von [..., n, k]
func (t *Tensor) MatmulT(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.matmul(ctx, t2.(*Tensor), blas.Trans)
}

func (t *Tensor) matmul(ctx ml.Context, b *Tensor, tB blas.Transpose) ml.Tensor {
	if len(t.shape) < 2 || len(b.shape) < 2 {
		panic(fmt.Errorf("matmul needs rank >= 2, got %v and %v", t.shape, b.shape))
	}

	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	br, bc := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]

	kb, n := br, bc
	if tB == blas.Trans {
		kb, n = bc, br
	}

	if k != kb {
		panic(fmt.Errorf("matmul inner dimension mismatch: %v and %v (transposed: %v)", t.shape, b.shape, tB == blas.Trans))
	}

	// Rechte Seite ohne Batch-Dimensionen: linke Seite zu einer Matrix zusammenfassen
	if len(b.shape) == 2 {
		rows := len(t.data) / k
		out := make([]float32, rows*n)
		gemm(t.data, rows, k, b.data, br, bc, tB, out, n)

		shape := append(t.Shape()[:len(t.shape)-1], n)
		return ctx.(*Context).newTensor(ml.DTypeF32, shape, out)
	}

	batch := broadcastShapes(t.shape[:len(t.shape)-2], b.shape[:len(b.shape)-2])
	sa := broadcastStrides(t.shape[:len(t.shape)-2], batch)
	sb := broadcastStrides(b.shape[:len(b.shape)-2], batch)

	nb := numel(batch)
	out := make([]float32, nb*m*n)

	var g errgroup.Group
	g.SetLimit(t.b.threads())
	for i := range nb {
		g.Go(func() error {
			var ia, ib int
			rem := i
			for d := len(batch) - 1; d >= 0; d-- {
				idx := rem % batch[d]
				rem /= batch[d]
				ia += idx * sa[d]
				ib += idx * sb[d]
			}

			gemm(t.data[ia*m*k:(ia+1)*m*k], m, k,
				b.data[ib*br*bc:(ib+1)*br*bc], br, bc, tB,
				out[i*m*n:(i+1)*m*n], n)
			return nil
		})
	}
	_ = g.Wait()

	return ctx.(*Context).newTensor(ml.DTypeF32, append(batch, m, n), out)
}

func gemm(a []float32, m, k int, b []float32, br, bc int, tB blas.Transpose, c []float32, n int) {
	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: br, Cols: bc, Stride: bc, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}

func (b *Backend) threads() int {
	if b == nil || b.numThreads <= 0 {
		return 1
	}

	return b.numThreads
}
