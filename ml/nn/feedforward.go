// feedforward.go - Feed-Forward Varianten fuer Transformer-Bloecke
// Enthaelt: FeedForward, MLP, SwiGLU, GatedMLP, SwiGLUHiddenSize

package nn

import (
	"math"

	"github.com/ollama/assembler/ml"
)

// FeedForward is the single-call contract the block composer depends on
type FeedForward interface {
	Forward(ctx ml.Context, t ml.Tensor) ml.Tensor
}

// MLP expands to the intermediate size, activates and projects back
type MLP struct {
	Intermediate *Linear `weight:"intermediate"`
	Output       *Linear `weight:"output"`

	Activation Activation
}

func (m *MLP) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Output.Forward(ctx, m.Activation.Forward(ctx, m.Intermediate.Forward(ctx, t)))
}

// SwiGLU projects to twice the hidden width in one matmul and gates the first
// half with the second: silu(a) * b
type SwiGLU struct {
	Intermediate *Linear `weight:"intermediate"`
	Output       *Linear `weight:"output"`
}

func (m *SwiGLU) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Intermediate.Forward(ctx, t)
	halves := t.Chunk(ctx, -1, t.Dim(-1)/2)
	return m.Output.Forward(ctx, halves[0].SILU(ctx, halves[1]))
}

// SwiGLUHiddenSize rounds round(hidden*ratio)*2/3 up to a multiple of 8
func SwiGLUHiddenSize(hiddenSize int, mlpRatio float64) int {
	h := int(math.Round(float64(hiddenSize)*mlpRatio)) * 2 / 3
	return (h + 7) / 8 * 8
}

// GatedMLP uses separate gate and up projections (T5 v1.1 gated-gelu)
type GatedMLP struct {
	Gate *Linear `weight:"gate"`
	Up   *Linear `weight:"up"`
	Down *Linear `weight:"down"`

	Activation Activation
}

func (m *GatedMLP) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Down.Forward(ctx, m.Activation.Forward(ctx, m.Gate.Forward(ctx, t), m.Up.Forward(ctx, t)))
}
