package nn

import (
	"github.com/ollama/assembler/ml"
)

// Norm is implemented by LayerNorm and RMSNorm
type Norm interface {
	Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor
}

type LayerNorm struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

type RMSNorm struct {
	Weight ml.Tensor `weight:"weight"`
}

func (m *RMSNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.RMSNorm(ctx, m.Weight, eps)
}
