// activation.go - Aktivierungsfunktionen und Dropout
// Enthaelt: Activation, ParseActivation, Dropout

package nn

import (
	"fmt"
	"strings"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

// Activation ist der Name einer Aktivierung wie in hidden_act
type Activation string

const (
	ActivationGELU      Activation = "gelu"
	ActivationGELUTanh  Activation = "gelu_new"
	ActivationQuickGELU Activation = "quick_gelu"
	ActivationReLU      Activation = "relu"
	ActivationSILU      Activation = "silu"
)

// ParseActivation normalisiert die gaengigen Aliase
func ParseActivation(s string) (Activation, error) {
	switch strings.ToLower(s) {
	case "", "gelu":
		return ActivationGELU, nil
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast", "gelu_tanh":
		return ActivationGELUTanh, nil
	case "quick_gelu":
		return ActivationQuickGELU, nil
	case "relu":
		return ActivationReLU, nil
	case "silu", "swish":
		return ActivationSILU, nil
	default:
		return "", fmt.Errorf("%w: hidden_act %q", fs.ErrInvalidOption, s)
	}
}

// Forward wendet die Aktivierung an und multipliziert optional mit up
func (a Activation) Forward(ctx ml.Context, t ml.Tensor, up ...ml.Tensor) ml.Tensor {
	switch a {
	case ActivationGELU, "":
		return t.GELU(ctx, up...)
	case ActivationGELUTanh:
		return t.GELUTanh(ctx, up...)
	case ActivationQuickGELU:
		return t.QuickGELU(ctx, up...)
	case ActivationReLU:
		return t.RELU(ctx, up...)
	case ActivationSILU:
		return t.SILU(ctx, up...)
	default:
		panic(fmt.Errorf("unknown activation %q", string(a)))
	}
}

// Dropout ist bei Inferenz die Identitaet. rate wird nur validiert.
func Dropout(ctx ml.Context, t ml.Tensor, rate float64) ml.Tensor {
	if rate < 0 || rate >= 1 {
		panic(fmt.Errorf("invalid dropout rate %v", rate))
	}

	return t
}
