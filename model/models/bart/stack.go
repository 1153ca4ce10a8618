package bart

import (
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
	"github.com/ollama/assembler/ml/nn/position"
	"github.com/ollama/assembler/transformer"
)

// ============================================================================
// Stack - Encoder und Decoder mit eigenen Positionen und Embedding-Norm
// ============================================================================
//
// Dieses Modul enthaelt:
// - Stack: gelernte Positionen, layernorm_embedding, Block-Stapel, optionale Schluss-Norm
// - embed: Token-Embedding mit Skalierung und Positionen

// Stack ist der gemeinsame Aufbau von Encoder und Decoder. Position ist nil
// bei rotary Positionen, FinalNorm nur bei normalize_before vorhanden.
type Stack struct {
	Position      *position.Learned  `weight:"embed_positions,optional"`
	EmbeddingNorm *nn.LayerNorm      `weight:"layernorm_embedding"`
	Blocks        transformer.Blocks `weight:"blocks"`
	FinalNorm     *nn.LayerNorm      `weight:"layer_norm,optional"`
}

// embed liefert die Eingabe des Block-Stapels fuer ids [batch, seq]
func (s *Stack) embed(ctx ml.Context, embedding *nn.Embedding, ids, positions ml.Tensor, opts *Options) ml.Tensor {
	hiddenStates := embedding.Forward(ctx, ids)
	if opts.embedScale != 1 {
		hiddenStates = hiddenStates.Scale(ctx, opts.embedScale)
	}

	if s.Position != nil {
		hiddenStates = s.Position.Forward(ctx, hiddenStates, positions)
	}

	return s.EmbeddingNorm.Forward(ctx, hiddenStates, opts.normEpsilon)
}

// Forward berechnet den Stapel. Der Cache in in wird gelesen und im State
// aktualisiert, aber nicht fortgeschrieben.
func (s *Stack) Forward(ctx ml.Context, embedding *nn.Embedding, ids ml.Tensor, in transformer.Input, blockOpts *transformer.Options, opts *Options) transformer.State {
	positions := in.Positions
	if positions == nil {
		offset := in.Cache.Offset()
		positions = ctx.Arange(float32(offset), float32(offset+ids.Dim(1)), 1, ml.DTypeI32)
	}

	in.Hidden = s.embed(ctx, embedding, ids, positions, opts)
	state := s.Blocks.Forward(ctx, in, blockOpts)

	if s.FinalNorm != nil {
		state.Hidden = s.FinalNorm.Forward(ctx, state.Hidden, opts.normEpsilon)
	}

	return state
}
