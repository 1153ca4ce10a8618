// Package bart - Encoder-Decoder mit gelernten Positionen (BART, mBART)
//
// Dieses Modul enthaelt:
// - Options: Konfiguration aus config.json
// - Model: geteiltes Embedding, Encoder, Decoder mit Cross-Attention, LM-Head
// - Forward: input_ids/decoder_input_ids -> logits, optional mit Cache
//
// Mit position_embedding_type "rotary" ersetzt RoPE die gelernten Positionen,
// num_key_value_heads aktiviert Grouped-Query Attention.
package bart

import (
	"errors"
	"fmt"
	"maps"
	"math"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
	"github.com/ollama/assembler/ml/nn/position"
	"github.com/ollama/assembler/ml/nn/rope"
	"github.com/ollama/assembler/model"
	"github.com/ollama/assembler/transformer"
)

// positionOffset ist die Anzahl der reservierten Zeilen der Positionstabelle
const positionOffset = 2

var ErrPositionRange = errors.New("position exceeds max_position_embeddings")

type Options struct {
	encoderOptions,
	decoderOptions transformer.Options

	hiddenSize,
	vocabSize,
	encoderFFNSize,
	decoderFFNSize,
	maxPositions int

	embedScale  float64
	normEpsilon float32

	decoderStartTokenID int32

	learnedPositions,
	normalizeBefore,
	tied bool
}

type Model struct {
	model.Base

	Embedding *nn.Embedding `weight:"shared"`
	Encoder   *Stack        `weight:"encoder"`
	Decoder   *Stack        `weight:"decoder"`

	LMHead          *nn.Linear `weight:"lm_head,alt:shared"`
	FinalLogitsBias ml.Tensor  `weight:"final_logits_bias,optional"`

	*Options
}

func (m *Model) stacks() []struct {
	name  string
	stack *Stack
	opts  *transformer.Options
	ffn   int
} {
	return []struct {
		name  string
		stack *Stack
		opts  *transformer.Options
		ffn   int
	}{
		{"encoder", m.Encoder, &m.encoderOptions, m.encoderFFNSize},
		{"decoder", m.Decoder, &m.decoderOptions, m.decoderFFNSize},
	}
}

// Validate implements model.Validator.
func (m *Model) Validate() error {
	if got := m.Embedding.Weight.Dim(1); got != m.hiddenSize {
		return fmt.Errorf("%w: shared embedding has width %d, d_model is %d", fs.ErrInvalidOption, got, m.hiddenSize)
	}

	if got := m.LMHead.Weight.Dim(1); got != m.hiddenSize {
		return fmt.Errorf("%w: lm head has width %d, d_model is %d", fs.ErrInvalidOption, got, m.hiddenSize)
	}

	for _, s := range m.stacks() {
		if err := s.stack.Blocks.Validate(s.opts); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}

		if m.learnedPositions {
			if s.stack.Position == nil || s.stack.Position.Weight == nil {
				return fmt.Errorf("%w: %s.embed_positions.weight", model.ErrMissingWeight, s.name)
			}

			if got := s.stack.Position.Weight.Dim(1); got != m.hiddenSize {
				return fmt.Errorf("%w: %s position embedding has width %d, d_model is %d", fs.ErrInvalidOption, s.name, got, m.hiddenSize)
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

// Forward implements model.Model. Ohne decoder_input_ids werden die
// input_ids um eine Position nach rechts verschoben. Ist der Cross-Cache
// bereits gefuellt, laeuft der Encoder nicht erneut.
func (m *Model) Forward(ctx ml.Context, in model.Inputs) (model.Outputs, error) {
	if in.Get(model.DecoderInputIDs) == nil && in.Get(model.InputIDs) != nil {
		values := maps.Clone(in.Values)
		values[model.DecoderInputIDs] = model.ShiftRight(ctx, in.Get(model.InputIDs), m.decoderStartTokenID)
		in.Values = values
	}

	in, err := model.PrepareInputs(ctx, in, model.Defaults{
		Sequence:  model.DecoderInputIDs,
		Positions: model.PositionIDs,
	})
	if err != nil {
		return nil, err
	}

	out := model.Outputs{}
	encoderHiddenState, err := m.encode(ctx, in, out)
	if err != nil {
		return nil, err
	}

	ids := in.Get(model.DecoderInputIDs)
	if err := m.checkPositionIDs(in.Get(model.PositionIDs)); err != nil {
		return nil, err
	}

	state := m.Decoder.Forward(ctx, m.Embedding, ids, transformer.Input{
		Mask:          in.Get(model.DecoderAttentionMask),
		HeadMask:      in.Get(model.DecoderHeadMask),
		CrossHidden:   encoderHiddenState,
		CrossMask:     in.Get(model.AttentionMask),
		CrossHeadMask: in.Get(model.CrossAttentionHeadMask),
		Positions:     in.Get(model.PositionIDs),
		Cache:         in.Cache,
	}, &m.decoderOptions, m.Options)

	logits := m.LMHead.Forward(ctx, state.Hidden)
	if m.FinalLogitsBias != nil {
		logits = logits.Add(ctx, m.FinalLogitsBias)
	}

	out[model.Logits] = logits
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

// encode liefert den Encoder-Output oder nil, wenn der Cross-Cache ihn
// bereits enthaelt
func (m *Model) encode(ctx ml.Context, in model.Inputs, out model.Outputs) (ml.Tensor, error) {
	if h := in.Get(model.EncoderHiddenState); h != nil {
		out[model.EncoderOutput] = h
		return h, nil
	}

	if !in.Cache.Block(0).Cross.Empty() {
		return nil, nil
	}

	ids := in.Get(model.InputIDs)
	if ids == nil {
		return nil, fmt.Errorf("%w: %q or %q", model.ErrMissingInput, model.InputIDs, model.EncoderHiddenState)
	}

	if err := m.checkPositions(ids.Dim(1)); err != nil {
		return nil, err
	}

	state := m.Encoder.Forward(ctx, m.Embedding, ids, transformer.Input{
		Mask:     in.Get(model.AttentionMask),
		HeadMask: in.Get(model.AttentionHeadMask),
	}, &m.encoderOptions, m.Options)

	out[model.EncoderOutput] = state.Hidden
	if m.encoderOptions.OutputAttentions {
		out[model.Attentions] = state.Attentions
	}

	return state.Hidden, nil
}

func (m *Model) checkPositions(n int) error {
	if m.learnedPositions && n > m.maxPositions {
		return fmt.Errorf("%w: %d > %d", ErrPositionRange, n, m.maxPositions)
	}

	return nil
}

// checkPositionIDs prueft die Decoder-Positionen, explizit uebergeben oder
// aus dem Cache-Offset erzeugt
func (m *Model) checkPositionIDs(positions ml.Tensor) error {
	if !m.learnedPositions {
		return nil
	}

	for _, p := range positions.Floats() {
		if p < 0 || int(p) >= m.maxPositions {
			return fmt.Errorf("%w: position %d not in [0, %d)", ErrPositionRange, int(p), m.maxPositions)
		}
	}

	return nil
}

// CacheOptions implements model.Decoder.
func (m *Model) CacheOptions() kvcache.InitOptions {
	attn := m.decoderOptions.SelfAttention
	return kvcache.InitOptions{
		HiddenSize: attn.HiddenSize,
		NumHeads:   attn.NumHeads,
		NumKVHeads: attn.NumKVHeads,
		NumBlocks:  len(m.Decoder.Blocks),
	}
}

// New erstellt ein BART-Modell aus einer HF-Konfiguration
func New(c fs.Config) (model.Model, error) {
	if err := fs.Require(c, "d_model", "vocab_size", "encoder_layers", "decoder_layers", "encoder_attention_heads", "decoder_attention_heads"); err != nil {
		return nil, err
	}

	activation, err := nn.ParseActivation(c.String("activation_function", "gelu"))
	if err != nil {
		return nil, err
	}

	var rotary *rope.Options
	switch t := c.String("position_embedding_type", "learned"); t {
	case "learned", "absolute":
	case "rotary":
		rotary = rope.New(rope.WithBase(c.Float("rope_theta", 10000)))
	default:
		return nil, fmt.Errorf("%w: position_embedding_type %q", fs.ErrInvalidOption, t)
	}

	var blockType transformer.BlockType = transformer.PostNorm{}
	if c.Bool("normalize_before") {
		blockType = transformer.PreNorm{}
	}

	hiddenSize := int(c.Uint("d_model"))
	blockOptions := func(heads string, causal bool) transformer.Options {
		return transformer.Options{
			BlockType: blockType,
			SelfAttention: nn.AttentionOptions{
				NumHeads:    int(c.Uint(heads)),
				NumKVHeads:  int(c.Uint("num_key_value_heads")),
				HiddenSize:  hiddenSize,
				Causal:      causal,
				DropoutRate: float64(c.Float("attention_dropout")),
				Rotary:      rotary,
			},
			NormEpsilon:        c.Float("layer_norm_eps", 1e-5),
			DropoutRate:        float64(c.Float("dropout")),
			OutputHiddenStates: c.Bool("output_hidden_states"),
			OutputAttentions:   c.Bool("output_attentions"),
		}
	}

	opts := &Options{
		encoderOptions:      blockOptions("encoder_attention_heads", false),
		decoderOptions:      blockOptions("decoder_attention_heads", true),
		hiddenSize:          hiddenSize,
		vocabSize:           int(c.Uint("vocab_size")),
		encoderFFNSize:      int(c.Uint("encoder_ffn_dim", uint32(4*hiddenSize))),
		decoderFFNSize:      int(c.Uint("decoder_ffn_dim", uint32(4*hiddenSize))),
		maxPositions:        int(c.Uint("max_position_embeddings", 1024)),
		embedScale:          1,
		normEpsilon:         c.Float("layer_norm_eps", 1e-5),
		decoderStartTokenID: int32(c.Uint("decoder_start_token_id", 2)),
		learnedPositions:    rotary == nil,
		normalizeBefore:     c.Bool("normalize_before"),
		tied:                c.Bool("tie_word_embeddings", true),
	}

	if c.Bool("scale_embedding") {
		opts.embedScale = math.Sqrt(float64(hiddenSize))
	}

	for _, o := range []*transformer.Options{&opts.encoderOptions, &opts.decoderOptions} {
		if err := o.Validate(); err != nil {
			return nil, err
		}
	}

	numDecoderLayers := int(c.Uint("decoder_layers"))
	if numDecoderLayers == 0 {
		return nil, fmt.Errorf("%w: decoder_layers must be positive", fs.ErrInvalidOption)
	}

	newNorm := func() nn.Norm { return &nn.LayerNorm{} }
	newFeedForward := func() nn.FeedForward { return &nn.MLP{Activation: activation} }

	m := &Model{
		Encoder: &Stack{Blocks: transformer.New(int(c.Uint("encoder_layers")), newNorm, newFeedForward, false)},
		Decoder: &Stack{Blocks: transformer.New(numDecoderLayers, newNorm, newFeedForward, true)},
		Options: opts,
	}

	if opts.learnedPositions {
		m.Encoder.Position = &position.Learned{Offset: positionOffset}
		m.Decoder.Position = &position.Learned{Offset: positionOffset}
	}

	return m, nil
}

// Shapes implements model.Shaper.
func (m *Model) Shapes() map[string][]int {
	hiddenSize := m.hiddenSize
	shapes := map[string][]int{
		"shared.weight":     {m.vocabSize, hiddenSize},
		"final_logits_bias": {1, m.vocabSize},
	}

	if !m.tied {
		shapes["lm_head.weight"] = []int{m.vocabSize, hiddenSize}
	}

	for _, s := range m.stacks() {
		maps.Copy(shapes, s.stack.Blocks.Shapes(s.name+".blocks", s.opts, transformer.ShapeOptions{
			IntermediateSize: s.ffn,
			Bias:             true,
		}))

		shapes[s.name+".layernorm_embedding.weight"] = []int{hiddenSize}
		shapes[s.name+".layernorm_embedding.bias"] = []int{hiddenSize}

		if m.learnedPositions {
			shapes[s.name+".embed_positions.weight"] = []int{m.maxPositions + positionOffset, hiddenSize}
		}

		if m.normalizeBefore {
			shapes[s.name+".layer_norm.weight"] = []int{hiddenSize}
			shapes[s.name+".layer_norm.bias"] = []int{hiddenSize}
		}
	}

	return shapes
}

func init() {
	model.Register("bart", New)
	model.Register("mbart", New)
}
