package nn

import "github.com/ollama/assembler/ml"

type Embedding struct {
	Weight ml.Tensor `weight:"weight"`
}

func (m *Embedding) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, hiddenState)
}
