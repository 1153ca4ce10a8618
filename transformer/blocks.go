// Package transformer - Stapel aus Transformer-Bloecken
//
// Dieses Modul enthaelt:
// - Options: statische Konfiguration eines Stapels
// - Input/State: Eingaben und der durch den Stapel gereichte Zustand
// - Blocks: Konstruktion, Validierung und Forward des Stapels
package transformer

import (
	"fmt"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
)

type Options struct {
	BlockType BlockType

	SelfAttention nn.AttentionOptions
	// CrossAttention defaults to SelfAttention without causality when NumHeads is 0
	CrossAttention nn.AttentionOptions

	NormEpsilon float32
	DropoutRate float64

	// ShareRelativeBias reuses the bias computed by block 0 in all later blocks
	ShareRelativeBias bool

	OutputHiddenStates bool
	OutputAttentions   bool
}

func (o *Options) crossAttention() *nn.AttentionOptions {
	if o.CrossAttention.NumHeads == 0 {
		cross := o.SelfAttention
		cross.Causal = false
		cross.Rotary = nil
		return &cross
	}

	return &o.CrossAttention
}

func (o *Options) Validate() error {
	if o.BlockType == nil {
		return fmt.Errorf("%w: block_type", fs.ErrMissingOption)
	}

	if o.NormEpsilon < 0 {
		return fmt.Errorf("%w: layer_norm_epsilon must not be negative, got %v", fs.ErrInvalidOption, o.NormEpsilon)
	}

	if o.DropoutRate < 0 || o.DropoutRate >= 1 {
		return fmt.Errorf("%w: dropout_rate must be in [0, 1), got %v", fs.ErrInvalidOption, o.DropoutRate)
	}

	if err := o.SelfAttention.Validate(); err != nil {
		return err
	}

	return o.crossAttention().Validate()
}

type Input struct {
	// Hidden is [batch, seq, hidden]
	Hidden ml.Tensor
	// Mask is the padding mask [batch, seq] of Hidden
	Mask ml.Tensor
	// HeadMask is [num_blocks, num_heads]
	HeadMask ml.Tensor

	CrossHidden   ml.Tensor
	CrossMask     ml.Tensor
	CrossHeadMask ml.Tensor

	Positions ml.Tensor
	Cache     *kvcache.Cache
}

// State wird von Block zu Block weitergereicht und nach dem letzten Block
// an den Aufrufer zurueckgegeben. Er gehoert genau einem Forward Pass.
type State struct {
	Hidden ml.Tensor

	// HiddenStates enthaelt die Eingabe und die Ausgabe jedes Blocks (opt-in)
	HiddenStates    []ml.Tensor
	Attentions      []ml.Tensor
	CrossAttentions []ml.Tensor

	Cache *kvcache.Cache

	// RelativeBias ist der zuletzt verwendete relative Bias
	RelativeBias ml.Tensor
	// RelativeBiases ist der von jedem Block verwendete Bias
	RelativeBiases []ml.Tensor
}

type Blocks []Block

// New erzeugt n Bloecke mit vorbelegten Norm- und FFN-Typen
func New(n int, newNorm func() nn.Norm, newFeedForward func() nn.FeedForward, cross bool) Blocks {
	blocks := make(Blocks, n)
	for i := range blocks {
		blocks[i].SelfAttentionNorm = newNorm()
		blocks[i].OutputNorm = newNorm()
		blocks[i].FeedForward = newFeedForward()
		if cross {
			blocks[i].CrossAttentionNorm = newNorm()
		}
	}

	return blocks
}

func (bs Blocks) Validate(opts *Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	for i := range bs {
		if err := bs[i].Validate(opts); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}

	return nil
}

// Forward wendet die Bloecke in Index-Reihenfolge an. Der Offset des Caches
// wird nicht fortgeschrieben; das uebernimmt der Aufrufer nach dem Stapel.
func (bs Blocks) Forward(ctx ml.Context, in Input, opts *Options) State {
	state := State{Hidden: in.Hidden, Cache: in.Cache}
	if opts.OutputHiddenStates {
		state.HiddenStates = append(state.HiddenStates, in.Hidden)
	}

	offset := in.Cache.Offset()
	for i := range bs {
		bi := BlockInput{
			Mask:        in.Mask,
			HeadMask:    headMaskRow(ctx, in.HeadMask, i),
			CrossHidden: in.CrossHidden,
			CrossMask:   in.CrossMask,
			Positions:   in.Positions,
			Cache:       state.Cache.Block(i),
			Offset:      offset,
		}

		bi.CrossHeadMask = headMaskRow(ctx, in.CrossHeadMask, i)

		if opts.ShareRelativeBias {
			bi.RelativeBias = state.RelativeBias
		}

		out := bs[i].Forward(ctx, state.Hidden, bi, opts)

		state.Hidden = out.Hidden
		state.Cache = state.Cache.PutBlock(i, out.Cache)
		if !opts.ShareRelativeBias || state.RelativeBias == nil {
			state.RelativeBias = out.RelativeBias
		}
		state.RelativeBiases = append(state.RelativeBiases, out.RelativeBias)

		if opts.OutputHiddenStates {
			state.HiddenStates = append(state.HiddenStates, out.Hidden)
		}

		if opts.OutputAttentions {
			state.Attentions = append(state.Attentions, out.Attention)
			if out.CrossAttention != nil {
				state.CrossAttentions = append(state.CrossAttentions, out.CrossAttention)
			}
		}
	}

	return state
}

// headMaskRow gibt die Zeile [heads] fuer Block i zurueck
func headMaskRow(ctx ml.Context, headMask ml.Tensor, i int) ml.Tensor {
	if headMask == nil {
		return nil
	}

	if i >= headMask.Dim(0) {
		panic(fmt.Errorf("head mask %v has no row for block %d", headMask.Shape(), i))
	}

	return headMask.Slice(ctx, 0, i, i+1, 1).Reshape(ctx, -1)
}
