// Package transformer - Zusammensetzung von Transformer-Bloecken
//
// Dieses Modul enthaelt:
// - BlockType: Strategie fuer die Reihenfolge von Norm, Attention, FFN und Residual
// - PreNormScaled: Vision-Variante mit gelernter Skalierung der Residuen
// - PostNorm: Standard-Variante, Normalisierung nach der Residual-Addition
// - PreNorm: norm_first-Variante (T5)
// - ParseBlockType: Auswahl anhand des block_type Konfigurationswerts
package transformer

import (
	"fmt"
	"strings"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

// Sublayer ist ein einzelner Rechenschritt eines Blocks
type Sublayer func(t ml.Tensor) ml.Tensor

// Sublayers sind die Bausteine eines Blocks. CrossAttention ist nil, wenn der
// Block keinen Cross-Input hat. Die Skalierungen sind nil fuer den Faktor 1.
type Sublayers struct {
	SelfAttention     Sublayer
	SelfAttentionNorm Sublayer

	CrossAttention     Sublayer
	CrossAttentionNorm Sublayer

	FeedForward Sublayer
	OutputNorm  Sublayer

	SelfAttentionScale ml.Tensor
	FFNScale           ml.Tensor

	Dropout Sublayer
}

// BlockType legt die Reihenfolge der Sublayer fest. Die Auswahl erfolgt einmal
// bei der Konstruktion, nicht pro Aufruf.
type BlockType interface {
	Compose(ctx ml.Context, s Sublayers, x ml.Tensor) ml.Tensor
	String() string
}

func scale(ctx ml.Context, t, s ml.Tensor) ml.Tensor {
	if s == nil {
		return t
	}

	return t.Mul(ctx, s)
}

// PreNormScaled: x -> norm -> attn -> scale*h + x -> [norm -> cross -> h + x] -> norm -> ffn -> scale*h + x
type PreNormScaled struct{}

func (PreNormScaled) String() string { return "pre_norm_scaled" }

func (PreNormScaled) Compose(ctx ml.Context, s Sublayers, x ml.Tensor) ml.Tensor {
	h := s.SelfAttention(s.SelfAttentionNorm(x))
	x = scale(ctx, h, s.SelfAttentionScale).Add(ctx, x)

	if s.CrossAttention != nil {
		h = s.CrossAttention(s.CrossAttentionNorm(x))
		x = h.Add(ctx, x)
	}

	h = s.FeedForward(s.OutputNorm(x))
	return scale(ctx, h, s.FFNScale).Add(ctx, x)
}

// PostNorm: x -> attn -> dropout -> + x -> norm, gleiches fuer Cross und FFN
type PostNorm struct{}

func (PostNorm) String() string { return "standard" }

func (PostNorm) Compose(ctx ml.Context, s Sublayers, x ml.Tensor) ml.Tensor {
	h := s.Dropout(s.SelfAttention(x))
	x = s.SelfAttentionNorm(x.Add(ctx, h))

	if s.CrossAttention != nil {
		h = s.Dropout(s.CrossAttention(x))
		x = s.CrossAttentionNorm(x.Add(ctx, h))
	}

	h = s.Dropout(s.FeedForward(x))
	return s.OutputNorm(x.Add(ctx, h))
}

// PreNorm: x + dropout(sublayer(norm(x))) fuer jeden Sublayer
type PreNorm struct{}

func (PreNorm) String() string { return "norm_first" }

func (PreNorm) Compose(ctx ml.Context, s Sublayers, x ml.Tensor) ml.Tensor {
	x = x.Add(ctx, s.Dropout(s.SelfAttention(s.SelfAttentionNorm(x))))

	if s.CrossAttention != nil {
		x = x.Add(ctx, s.Dropout(s.CrossAttention(s.CrossAttentionNorm(x))))
	}

	return x.Add(ctx, s.Dropout(s.FeedForward(s.OutputNorm(x))))
}

// ParseBlockType waehlt die Variante anhand des Konfigurationswerts
func ParseBlockType(s string) (BlockType, error) {
	switch strings.ToLower(s) {
	case "standard", "post_norm":
		return PostNorm{}, nil
	case "norm_first", "pre_norm":
		return PreNorm{}, nil
	case "pre_norm_scaled", "layer_scale":
		return PreNormScaled{}, nil
	default:
		return nil, fmt.Errorf("%w: block_type %q (supported: standard, norm_first, pre_norm_scaled)", fs.ErrInvalidOption, s)
	}
}
