// Package transformer - Ein einzelner Transformer-Block
//
// Dieses Modul enthaelt:
// - Block: Gewichte von Self-Attention, optionaler Cross-Attention, FFN und Normen
// - BlockInput/BlockOutput: Ein- und Ausgaben eines Blocks
// - Forward: baut die Sublayer und uebergibt sie an den BlockType
package transformer

import (
	"fmt"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
)

// Block haelt die Parameter eines Transformer-Layers. Norm und FeedForward
// sind Interfaces und muessen vor dem Befuellen der Gewichte belegt sein.
type Block struct {
	SelfAttention      *nn.Attention `weight:"self_attention"`
	SelfAttentionNorm  nn.Norm       `weight:"self_attention_norm"`
	SelfAttentionScale ml.Tensor     `weight:"self_attention_scale,optional"`

	CrossAttention     *nn.Attention `weight:"cross_attention,optional"`
	CrossAttentionNorm nn.Norm       `weight:"cross_attention_norm,optional"`

	FeedForward nn.FeedForward `weight:"ffn"`
	OutputNorm  nn.Norm        `weight:"output_norm"`
	FFNScale    ml.Tensor      `weight:"ffn_scale,optional"`
}

type BlockInput struct {
	// Mask ist die Padding-Maske der neuen Positionen [batch, seq]
	Mask     ml.Tensor
	HeadMask ml.Tensor

	CrossHidden   ml.Tensor
	CrossMask     ml.Tensor
	CrossHeadMask ml.Tensor

	Positions    ml.Tensor
	RelativeBias ml.Tensor

	Cache  kvcache.Block
	Offset int
}

type BlockOutput struct {
	Hidden         ml.Tensor
	Attention      ml.Tensor
	CrossAttention ml.Tensor
	Cache          kvcache.Block
	RelativeBias   ml.Tensor
}

// Validate prueft die geladenen Gewichte gegen die Optionen
func (b *Block) Validate(opts *Options) error {
	if b.SelfAttentionNorm == nil || b.OutputNorm == nil {
		return fmt.Errorf("%w: block normalization", fs.ErrMissingOption)
	}

	if b.FeedForward == nil {
		return fmt.Errorf("%w: block feed forward", fs.ErrMissingOption)
	}

	if err := b.SelfAttention.Validate(&opts.SelfAttention); err != nil {
		return fmt.Errorf("self attention: %w", err)
	}

	if b.CrossAttention != nil {
		if b.CrossAttentionNorm == nil {
			return fmt.Errorf("%w: cross attention normalization", fs.ErrMissingOption)
		}

		if err := b.CrossAttention.Validate(opts.crossAttention()); err != nil {
			return fmt.Errorf("cross attention: %w", err)
		}
	}

	return nil
}

// Forward berechnet einen Block. Der Cache-Eintrag im Ergebnis ersetzt den
// Eintrag des Blocks; der uebergebene Eintrag wird nicht veraendert.
func (b *Block) Forward(ctx ml.Context, x ml.Tensor, in BlockInput, opts *Options) BlockOutput {
	out := BlockOutput{Cache: in.Cache}

	norm := func(n nn.Norm) Sublayer {
		return func(t ml.Tensor) ml.Tensor {
			return n.Forward(ctx, t, opts.NormEpsilon)
		}
	}

	s := Sublayers{
		SelfAttention: func(t ml.Tensor) ml.Tensor {
			attn := b.SelfAttention.Forward(ctx, nn.AttentionInput{
				Query:        t,
				Mask:         in.Mask,
				HeadMask:     in.HeadMask,
				RelativeBias: in.RelativeBias,
				Positions:    in.Positions,
				Cache:        in.Cache.Self,
				Offset:       in.Offset,
			}, &opts.SelfAttention)

			out.Attention, out.Cache.Self, out.RelativeBias = attn.Weights, attn.Cache, attn.RelativeBias
			return attn.Hidden
		},
		SelfAttentionNorm:  norm(b.SelfAttentionNorm),
		SelfAttentionScale: b.SelfAttentionScale,
		FeedForward: func(t ml.Tensor) ml.Tensor {
			return b.FeedForward.Forward(ctx, t)
		},
		OutputNorm: norm(b.OutputNorm),
		FFNScale:   b.FFNScale,
		Dropout: func(t ml.Tensor) ml.Tensor {
			return nn.Dropout(ctx, t, opts.DropoutRate)
		},
	}

	if b.CrossAttention != nil && (in.CrossHidden != nil || !in.Cache.Cross.Empty()) {
		s.CrossAttentionNorm = norm(b.CrossAttentionNorm)
		s.CrossAttention = func(t ml.Tensor) ml.Tensor {
			attn := b.CrossAttention.Forward(ctx, nn.AttentionInput{
				Query:    t,
				KeyValue: in.CrossHidden,
				Mask:     in.CrossMask,
				HeadMask: in.CrossHeadMask,
				Cache:    in.Cache.Cross,
				Offset:   in.Offset,
				Cross:    true,
			}, opts.crossAttention())

			out.CrossAttention, out.Cache.Cross = attn.Weights, attn.Cache
			return attn.Hidden
		}
	}

	out.Hidden = opts.BlockType.Compose(ctx, s, x)
	return out
}
