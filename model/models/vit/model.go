// Package vit - Vision Transformer (Encoder-only)
//
// Dieses Modul enthaelt:
// - Options: Konfiguration aus config.json
// - Model: Patch-Embedding, CLS-Token, interpolierte Positionen, Block-Stack
// - Forward: pixel_values -> hidden_state, pooled_state, feature_map
package vit

import (
	"fmt"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
	"github.com/ollama/assembler/ml/nn/pooling"
	"github.com/ollama/assembler/ml/nn/position"
	"github.com/ollama/assembler/model"
	"github.com/ollama/assembler/transformer"
)

// FeatureMap ist der Ausgabename der Patch-Features [batch, hidden, grid_h, grid_w]
const FeatureMap = "feature_map"

// Options enthaelt die Bild-Parameter zusaetzlich zum Block-Stack
type Options struct {
	transformer.Options

	hiddenSize,
	intermediateSize,
	numChannels,
	patchSize,
	imageSize int

	layerScale,
	pooler bool

	poolingType pooling.Type
}

type Model struct {
	model.Base

	PatchEmbedding    *PatchEmbedding        `weight:"embeddings.patch_embeddings"`
	CLSToken          ml.Tensor              `weight:"embeddings.cls_token"`
	PositionEmbedding *position.Interpolated `weight:"embeddings.position_embeddings"`

	Blocks transformer.Blocks `weight:"encoder.blocks"`
	Norm   *nn.LayerNorm      `weight:"norm"`
	Pooler *nn.Linear         `weight:"pooler,optional"`

	*Options
}

// Validate implements model.Validator.
func (m *Model) Validate() error {
	if err := m.Blocks.Validate(&m.Options.Options); err != nil {
		return err
	}

	if got, want := m.PatchEmbedding.Weight.Dim(1), m.numChannels*m.patchSize*m.patchSize; got != want {
		return fmt.Errorf("%w: patch embedding has %d inputs, expected num_channels*patch_size^2 = %d", fs.ErrInvalidOption, got, want)
	}

	if _, err := m.PositionEmbedding.Grid(1); err != nil {
		return err
	}

	return nil
}

// Forward implements model.Model.
func (m *Model) Forward(ctx ml.Context, in model.Inputs) (model.Outputs, error) {
	in, err := model.PrepareInputs(ctx, in, model.Defaults{
		Sequence: model.PixelValues,
		HeadMasks: []model.HeadMaskDefault{
			{Name: model.AttentionHeadMask, NumBlocks: len(m.Blocks), NumHeads: m.SelfAttention.NumHeads},
		},
	})
	if err != nil {
		return nil, err
	}

	pixelValues := in.Get(model.PixelValues)
	gridHeight, gridWidth, err := m.grid(pixelValues)
	if err != nil {
		return nil, err
	}

	batchSize := pixelValues.Dim(0)
	hiddenStates := m.PatchEmbedding.Forward(ctx, pixelValues, m.patchSize)

	cls := m.CLSToken.Reshape(ctx, 1, 1, m.hiddenSize).Repeat(ctx, 0, batchSize)
	hiddenStates = cls.Concat(ctx, hiddenStates, 1)
	hiddenStates = hiddenStates.Add(ctx, m.PositionEmbedding.Forward(ctx, 1, gridHeight, gridWidth))

	state := m.Blocks.Forward(ctx, transformer.Input{
		Hidden:   hiddenStates,
		HeadMask: in.Get(model.AttentionHeadMask),
	}, &m.Options.Options)

	hiddenStates = m.Norm.Forward(ctx, state.Hidden, m.NormEpsilon)

	out := model.Outputs{
		model.HiddenState: hiddenStates,
		model.PooledState: m.pool(ctx, hiddenStates),
		FeatureMap:        m.featureMap(ctx, hiddenStates, gridHeight, gridWidth),
	}

	if m.OutputHiddenStates {
		out[model.HiddenStates] = state.HiddenStates
	}

	if m.OutputAttentions {
		out[model.Attentions] = state.Attentions
	}

	return out, nil
}

func (m *Model) pool(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	if m.Pooler == nil {
		return m.poolingType.Forward(ctx, hiddenStates)
	}

	cls := pooling.TypeCLS.Forward(ctx, hiddenStates)
	return m.Pooler.Forward(ctx, cls).Tanh(ctx)
}

// New erstellt einen Vision Transformer aus einer HF-Konfiguration
func New(c fs.Config) (model.Model, error) {
	if err := fs.Require(c, "hidden_size", "num_attention_heads", "num_hidden_layers"); err != nil {
		return nil, err
	}

	activation, err := nn.ParseActivation(c.String("hidden_act", "gelu"))
	if err != nil {
		return nil, err
	}

	blockType, err := transformer.ParseBlockType(c.String("block_type", "pre_norm_scaled"))
	if err != nil {
		return nil, err
	}

	poolingType, err := pooling.ParseType(c.String("pooling_type", "cls"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fs.ErrInvalidOption, err)
	}

	hiddenSize := int(c.Uint("hidden_size"))
	opts := &Options{
		Options: transformer.Options{
			BlockType: blockType,
			SelfAttention: nn.AttentionOptions{
				NumHeads:    int(c.Uint("num_attention_heads")),
				HiddenSize:  hiddenSize,
				HeadDim:     int(c.Uint("head_dim")),
				DropoutRate: float64(c.Float("attention_probs_dropout_prob")),
			},
			NormEpsilon:        c.Float("layer_norm_eps", 1e-12),
			DropoutRate:        float64(c.Float("hidden_dropout_prob")),
			OutputHiddenStates: c.Bool("output_hidden_states"),
			OutputAttentions:   c.Bool("output_attentions"),
		},
		hiddenSize:  hiddenSize,
		numChannels: int(c.Uint("num_channels", 3)),
		patchSize:   int(c.Uint("patch_size", 16)),
		imageSize:   int(c.Uint("image_size", 224)),
		layerScale:  c.Value("layerscale_value") != nil,
		pooler:      c.Bool("add_pooling_layer"),
		poolingType: poolingType,
	}

	if err := opts.Options.Validate(); err != nil {
		return nil, err
	}

	if opts.patchSize <= 0 || opts.numChannels <= 0 {
		return nil, fmt.Errorf("%w: patch_size and num_channels must be positive", fs.ErrInvalidOption)
	}

	mlpRatio := float64(c.Float("mlp_ratio", 4))
	opts.intermediateSize = int(c.Uint("intermediate_size", uint32(mlpRatio*float64(hiddenSize))))

	newNorm := func() nn.Norm { return &nn.LayerNorm{} }
	newFeedForward := func() nn.FeedForward { return &nn.MLP{Activation: activation} }
	if c.Bool("use_swiglu_ffn") {
		opts.intermediateSize = nn.SwiGLUHiddenSize(hiddenSize, mlpRatio)
		newFeedForward = func() nn.FeedForward { return &nn.SwiGLU{} }
	}

	return &Model{
		Blocks:  transformer.New(int(c.Uint("num_hidden_layers")), newNorm, newFeedForward, false),
		Options: opts,
	}, nil
}

// Shapes implements model.Shaper.
func (m *Model) Shapes() map[string][]int {
	hiddenSize, numChannels, patchSize := m.hiddenSize, m.numChannels, m.patchSize
	grid := m.imageSize / patchSize

	shapes := m.Blocks.Shapes("encoder.blocks", &m.Options.Options, transformer.ShapeOptions{
		IntermediateSize: m.intermediateSize,
		Bias:             true,
		LayerScale:       m.layerScale,
	})

	shapes["embeddings.patch_embeddings.projection.weight"] = []int{hiddenSize, numChannels * patchSize * patchSize}
	shapes["embeddings.patch_embeddings.projection.bias"] = []int{hiddenSize}
	shapes["embeddings.cls_token"] = []int{1, 1, hiddenSize}
	shapes["embeddings.position_embeddings.weight"] = []int{1 + grid*grid, hiddenSize}
	shapes["norm.weight"] = []int{hiddenSize}
	shapes["norm.bias"] = []int{hiddenSize}

	if m.pooler {
		shapes["pooler.weight"] = []int{hiddenSize, hiddenSize}
		shapes["pooler.bias"] = []int{hiddenSize}
	}

	return shapes
}

func init() {
	model.Register("vit", New)
	model.Register("dinov2", New)
}
