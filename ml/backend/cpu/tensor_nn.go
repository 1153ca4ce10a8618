// tensor_nn.go - Neuronale Netzwerk Operationen
// Enthält: Softmax, LayerNorm, RMSNorm, Aktivierungen (GELU, SILU, RELU, ...)

package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/assembler/ml"
)

// rows ruft fn für jede Zeile der letzten Dimension auf. Die Zeile liegt als
// float64-Kopie vor und wird nach fn zurückgeschrieben.
func (t *Tensor) rows(ctx ml.Context, fn func(row []float64)) ml.Tensor {
	cols := t.Dim(-1)
	out := make([]float32, len(t.data))
	if cols == 0 {
		return ctx.(*Context).newTensor(ml.DTypeF32, t.Shape(), out)
	}

	row := make([]float64, cols)
	for r := 0; r < len(t.data); r += cols {
		for i := range row {
			row[i] = float64(t.data[r+i])
		}

		fn(row)

		for i := range row {
			out[r+i] = float32(row[i])
		}
	}

	return ctx.(*Context).newTensor(ml.DTypeF32, t.Shape(), out)
}

// Softmax berechnet Softmax über die letzte Dimension
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.rows(ctx, func(row []float64) {
		floats.AddConst(-floats.Max(row), row)
		for i, v := range row {
			row[i] = math.Exp(v)
		}
		floats.Scale(1/floats.Sum(row), row)
	})
}

// LayerNorm normalisiert über die letzte Dimension; weight und bias sind optional
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	n := float64(t.Dim(-1))
	out := t.rows(ctx, func(row []float64) {
		floats.AddConst(-floats.Sum(row)/n, row)
		variance := floats.Dot(row, row) / n
		floats.Scale(1/math.Sqrt(variance+float64(eps)), row)
	})

	return affine(ctx, out, weight, bias)
}

// RMSNorm normalisiert mit dem quadratischen Mittel über die letzte Dimension
func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	n := float64(t.Dim(-1))
	out := t.rows(ctx, func(row []float64) {
		floats.Scale(1/math.Sqrt(floats.Dot(row, row)/n+float64(eps)), row)
	})

	return affine(ctx, out, weight, nil)
}

func affine(ctx ml.Context, t, weight, bias ml.Tensor) ml.Tensor {
	if weight != nil {
		if weight.Dim(-1) != t.Dim(-1) {
			panic(fmt.Errorf("norm weight %v does not match input %v", weight.Shape(), t.Shape()))
		}
		t = t.Mul(ctx, weight)
	}

	if bias != nil {
		t = t.Add(ctx, bias)
	}

	return t
}

// Tanh berechnet tanh elementweise
func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

// Sigmoid berechnet 1/(1+exp(-x)) elementweise
func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, sigmoid)
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// GELU berechnet die exakte GELU-Aktivierung (erf), optional multipliziert mit up
func (t *Tensor) GELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return gated(ctx, t.unary(ctx, func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	}), up)
}

// GELUTanh berechnet die tanh-Näherung der GELU-Aktivierung ("gelu_new")
func (t *Tensor) GELUTanh(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	c := math.Sqrt(2 / math.Pi)
	return gated(ctx, t.unary(ctx, func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Tanh(c*(x+0.044715*x*x*x))))
	}), up)
}

// QuickGELU berechnet x * sigmoid(1.702 * x)
func (t *Tensor) QuickGELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return gated(ctx, t.unary(ctx, func(v float32) float32 { return v * sigmoid(1.702*v) }), up)
}

// SILU berechnet x * sigmoid(x)
func (t *Tensor) SILU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return gated(ctx, t.unary(ctx, func(v float32) float32 { return v * sigmoid(v) }), up)
}

// RELU berechnet max(0, x)
func (t *Tensor) RELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return gated(ctx, t.unary(ctx, func(v float32) float32 { return max(v, 0) }), up)
}

func gated(ctx ml.Context, t ml.Tensor, up []ml.Tensor) ml.Tensor {
	if len(up) > 0 && up[0] != nil {
		return t.Mul(ctx, up[0])
	}

	return t
}
