package pooling

import (
	"fmt"
	"strings"

	"github.com/ollama/assembler/ml"
)

type Type uint32

const (
	TypeNone Type = iota
	TypeMean
	TypeCLS
	TypeLast
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeMean:
		return "Mean"
	case TypeCLS:
		return "CLS"
	case TypeLast:
		return "Last"
	default:
		return "Unknown"
	}
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return TypeNone, nil
	case "mean", "avg":
		return TypeMean, nil
	case "cls", "first":
		return TypeCLS, nil
	case "last":
		return TypeLast, nil
	default:
		return TypeNone, fmt.Errorf("unknown pooling type %q", s)
	}
}

// Forward reduces hiddenStates [batch, seq, hidden] to [batch, hidden]
func (t Type) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	batchSize, seqLen, hiddenSize := hiddenStates.Dim(0), hiddenStates.Dim(1), hiddenStates.Dim(2)

	switch t {
	case TypeNone:
		return hiddenStates
	case TypeMean:
		return hiddenStates.Mean(ctx, 1)
	case TypeCLS:
		return hiddenStates.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, batchSize, hiddenSize)
	case TypeLast:
		return hiddenStates.Slice(ctx, 1, seqLen-1, seqLen, 1).Reshape(ctx, batchSize, hiddenSize)
	default:
		panic("unknown pooling type")
	}
}
