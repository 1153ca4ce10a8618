// Package t5 - Encoder-Decoder mit relativem Attention-Bias (T5, T5 v1.1)
//
// Dieses Modul enthaelt:
// - Options: Konfiguration aus config.json
// - Model: geteiltes Embedding, Encoder und Decoder mit RMSNorm und norm_first Bloecken
// - Forward: input_ids/decoder_input_ids -> logits, optional mit Cache
//
// Bei t5 besitzt nur der erste Block jedes Stapels eine Bias-Tabelle, alle
// weiteren Bloecke verwenden deren Ergebnis. umt5 hat eine Tabelle pro Block.
package t5

import (
	"fmt"
	"maps"
	"math"
	"strings"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
	"github.com/ollama/assembler/ml/nn/position"
	"github.com/ollama/assembler/model"
	"github.com/ollama/assembler/transformer"
)

type Options struct {
	encoderOptions,
	decoderOptions transformer.Options

	hiddenSize,
	vocabSize,
	ffnSize int

	// relativeBiasBlocks ist die Anzahl der Bloecke mit eigener Bias-Tabelle
	relativeBiasBlocks int

	decoderStartTokenID int32
	tied                bool
}

// Stack ist Encoder oder Decoder
type Stack struct {
	Blocks    transformer.Blocks `weight:"blocks"`
	FinalNorm *nn.RMSNorm        `weight:"final_norm"`
}

func (s *Stack) Forward(ctx ml.Context, in transformer.Input, opts *transformer.Options) transformer.State {
	state := s.Blocks.Forward(ctx, in, opts)
	state.Hidden = s.FinalNorm.Forward(ctx, state.Hidden, opts.NormEpsilon)
	return state
}

type Model struct {
	model.Base

	Embedding *nn.Embedding `weight:"shared"`
	Encoder   *Stack        `weight:"encoder"`
	Decoder   *Stack        `weight:"decoder"`
	LMHead    *nn.Linear    `weight:"lm_head,alt:shared"`

	*Options
}

// Validate implements model.Validator.
func (m *Model) Validate() error {
	if got := m.Embedding.Weight.Dim(1); got != m.hiddenSize {
		return fmt.Errorf("%w: shared embedding has width %d, d_model is %d", fs.ErrInvalidOption, got, m.hiddenSize)
	}

	if err := m.Encoder.Blocks.Validate(&m.encoderOptions); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}

	if err := m.Decoder.Blocks.Validate(&m.decoderOptions); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	for name, s := range map[string]*Stack{"encoder": m.Encoder, "decoder": m.Decoder} {
		for i := range min(len(s.Blocks), m.relativeBiasBlocks) {
			if s.Blocks[i].SelfAttention.RelativeBias == nil {
				return fmt.Errorf("%w: %s.blocks.%d.self_attention.relative_bias.weight", model.ErrMissingWeight, name, i)
			}
		}
	}

	for i, b := range m.Decoder.Blocks {
		if b.CrossAttention == nil {
			return fmt.Errorf("%w: decoder.blocks.%d.cross_attention", model.ErrMissingWeight, i)
		}
	}

	return nil
}

// Forward implements model.Model.
func (m *Model) Forward(ctx ml.Context, in model.Inputs) (model.Outputs, error) {
	if in.Get(model.DecoderInputIDs) == nil && in.Get(model.InputIDs) != nil {
		values := maps.Clone(in.Values)
		values[model.DecoderInputIDs] = model.ShiftRight(ctx, in.Get(model.InputIDs), m.decoderStartTokenID)
		in.Values = values
	}

	in, err := model.PrepareInputs(ctx, in, model.Defaults{Sequence: model.DecoderInputIDs})
	if err != nil {
		return nil, err
	}

	out := model.Outputs{}
	encoderHiddenState := in.Get(model.EncoderHiddenState)
	switch {
	case encoderHiddenState != nil:
		out[model.EncoderOutput] = encoderHiddenState
	case !in.Cache.Block(0).Cross.Empty():
		// Cross-Cache enthaelt den Encoder-Output
	case in.Get(model.InputIDs) != nil:
		state := m.Encoder.Forward(ctx, transformer.Input{
			Hidden:   m.Embedding.Forward(ctx, in.Get(model.InputIDs)),
			Mask:     in.Get(model.AttentionMask),
			HeadMask: in.Get(model.AttentionHeadMask),
		}, &m.encoderOptions)

		encoderHiddenState = state.Hidden
		out[model.EncoderOutput] = encoderHiddenState
		if m.encoderOptions.OutputAttentions {
			out[model.Attentions] = state.Attentions
		}
	default:
		return nil, fmt.Errorf("%w: %q or %q", model.ErrMissingInput, model.InputIDs, model.EncoderHiddenState)
	}

	ids := in.Get(model.DecoderInputIDs)
	state := m.Decoder.Forward(ctx, transformer.Input{
		Hidden:        m.Embedding.Forward(ctx, ids),
		Mask:          in.Get(model.DecoderAttentionMask),
		HeadMask:      in.Get(model.DecoderHeadMask),
		CrossHidden:   encoderHiddenState,
		CrossMask:     in.Get(model.AttentionMask),
		CrossHeadMask: in.Get(model.CrossAttentionHeadMask),
		Cache:         in.Cache,
	}, &m.decoderOptions)

	hiddenState := state.Hidden
	if m.tied {
		hiddenState = hiddenState.Scale(ctx, 1/math.Sqrt(float64(m.hiddenSize)))
	}

	out[model.Logits] = m.LMHead.Forward(ctx, hiddenState)
	out[model.HiddenState] = state.Hidden
	if in.Cache != nil {
		out[model.Cache] = state.Cache.Advance(ids)
	}

	if m.decoderOptions.OutputHiddenStates {
		out[model.HiddenStates] = state.HiddenStates
	}

	if m.decoderOptions.OutputAttentions {
		out[model.DecoderAttentions] = state.Attentions
		out[model.CrossAttentions] = state.CrossAttentions
	}

	return out, nil
}

// CacheOptions implements model.Decoder.
func (m *Model) CacheOptions() kvcache.InitOptions {
	attn := m.decoderOptions.SelfAttention
	return kvcache.InitOptions{
		HiddenSize: attn.NumHeads * attn.HeadDim,
		NumHeads:   attn.NumHeads,
		NumBlocks:  len(m.Decoder.Blocks),
	}
}

// parseFeedForward liest feed_forward_proj: "relu", "gelu" oder "gated-<act>"
func parseFeedForward(s string) (func() nn.FeedForward, error) {
	gated := strings.HasPrefix(s, "gated-")
	name := strings.TrimPrefix(s, "gated-")
	if gated && name == "gelu" {
		name = string(nn.ActivationGELUTanh)
	}

	activation, err := nn.ParseActivation(name)
	if err != nil {
		return nil, fmt.Errorf("feed_forward_proj: %w", err)
	}

	if gated {
		return func() nn.FeedForward { return &nn.GatedMLP{Activation: activation} }, nil
	}

	return func() nn.FeedForward { return &nn.MLP{Activation: activation} }, nil
}

// New erstellt ein T5-Modell aus einer HF-Konfiguration
func New(c fs.Config) (model.Model, error) {
	if err := fs.Require(c, "d_model", "d_kv", "num_heads", "num_layers", "vocab_size"); err != nil {
		return nil, err
	}

	newFeedForward, err := parseFeedForward(c.String("feed_forward_proj", "relu"))
	if err != nil {
		return nil, err
	}

	hiddenSize := int(c.Uint("d_model"))
	numLayers := c.Uint("num_layers")
	numDecoderLayers := int(c.Uint("num_decoder_layers", numLayers))
	shared := c.Architecture() != "umt5"
	blockOptions := func(causal bool) transformer.Options {
		return transformer.Options{
			BlockType: transformer.PreNorm{},
			SelfAttention: nn.AttentionOptions{
				NumHeads:    int(c.Uint("num_heads")),
				HiddenSize:  hiddenSize,
				HeadDim:     int(c.Uint("d_kv")),
				Causal:      causal,
				SkipScaling: true,
				Relative: position.RelativeOptions{
					NumBuckets:    int(c.Uint("relative_attention_num_buckets", 32)),
					MaxDistance:   int(c.Uint("relative_attention_max_distance", 128)),
					Bidirectional: !causal,
				},
			},
			NormEpsilon:        c.Float("layer_norm_epsilon", 1e-6),
			DropoutRate:        float64(c.Float("dropout_rate")),
			ShareRelativeBias:  shared,
			OutputHiddenStates: c.Bool("output_hidden_states"),
			OutputAttentions:   c.Bool("output_attentions"),
		}
	}

	opts := &Options{
		encoderOptions:      blockOptions(false),
		decoderOptions:      blockOptions(true),
		hiddenSize:          hiddenSize,
		vocabSize:           int(c.Uint("vocab_size")),
		ffnSize:             int(c.Uint("d_ff", uint32(4*hiddenSize))),
		decoderStartTokenID: int32(c.Uint("decoder_start_token_id")),
		relativeBiasBlocks:  1,
		tied:                c.Bool("tie_word_embeddings", true),
	}

	if !shared {
		opts.relativeBiasBlocks = max(int(numLayers), numDecoderLayers)
	}

	for _, o := range []*transformer.Options{&opts.encoderOptions, &opts.decoderOptions} {
		if err := o.Validate(); err != nil {
			return nil, err
		}
	}

	if numDecoderLayers == 0 {
		return nil, fmt.Errorf("%w: num_decoder_layers must be positive", fs.ErrInvalidOption)
	}

	newNorm := func() nn.Norm { return &nn.RMSNorm{} }
	return &Model{
		Encoder: &Stack{Blocks: transformer.New(int(numLayers), newNorm, newFeedForward, false)},
		Decoder: &Stack{Blocks: transformer.New(numDecoderLayers, newNorm, newFeedForward, true)},
		Options: opts,
	}, nil
}

// Shapes implements model.Shaper.
func (m *Model) Shapes() map[string][]int {
	shapes := map[string][]int{
		"shared.weight":             {m.vocabSize, m.hiddenSize},
		"encoder.final_norm.weight": {m.hiddenSize},
		"decoder.final_norm.weight": {m.hiddenSize},
	}

	if !m.tied {
		shapes["lm_head.weight"] = []int{m.vocabSize, m.hiddenSize}
	}

	s := transformer.ShapeOptions{IntermediateSize: m.ffnSize, RelativeBiasBlocks: m.relativeBiasBlocks}
	maps.Copy(shapes, m.Encoder.Blocks.Shapes("encoder.blocks", &m.encoderOptions, s))
	maps.Copy(shapes, m.Decoder.Blocks.Shapes("decoder.blocks", &m.decoderOptions, s))
	return shapes
}

func init() {
	model.Register("t5", New)
	model.Register("umt5", New)
}
