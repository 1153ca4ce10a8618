// Package model - Benannte Ein- und Ausgaben
//
// Dieses Modul enthaelt:
// - Inputs/Outputs: benannte Tensoren eines Vorwaerts-Passes
// - PrepareInputs: ergaenzt fehlende optionale Eingaben mit Defaults

package model

import (
	"fmt"
	"maps"

	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
)

// Erkannte Eingabenamen
const (
	InputIDs               = "input_ids"
	PixelValues            = "pixel_values"
	AttentionMask          = "attention_mask"
	PositionIDs            = "position_ids"
	AttentionHeadMask      = "attention_head_mask"
	CrossAttentionHeadMask = "cross_attention_head_mask"
	EncoderHiddenState     = "encoder_hidden_state"
	DecoderInputIDs        = "decoder_input_ids"
	DecoderAttentionMask   = "decoder_attention_mask"
	DecoderHeadMask        = "decoder_attention_head_mask"
)

// Ausgabenamen
const (
	HiddenState       = "hidden_state"
	PooledState       = "pooled_state"
	Logits            = "logits"
	HiddenStates      = "hidden_states"
	Attentions        = "attentions"
	CrossAttentions   = "cross_attentions"
	EncoderOutput     = "encoder_output"
	Cache             = "cache"
	DecoderAttentions = "decoder_attentions"
)

// Inputs sind die benannten Eingaben eines Vorwaerts-Passes. Cache ist nil
// fuer einen Durchlauf ohne inkrementelles Decoding.
type Inputs struct {
	Values map[string]ml.Tensor
	Cache  *kvcache.Cache
}

func (in Inputs) Get(name string) ml.Tensor {
	return in.Values[name]
}

// Outputs enthaelt Tensoren, Tensor-Listen und unter Cache den neuen Cache
type Outputs map[string]any

func (o Outputs) Tensor(name string) ml.Tensor {
	t, _ := o[name].(ml.Tensor)
	return t
}

func (o Outputs) Tensors(name string) []ml.Tensor {
	t, _ := o[name].([]ml.Tensor)
	return t
}

func (o Outputs) Cache() *kvcache.Cache {
	c, _ := o[Cache].(*kvcache.Cache)
	return c
}

// Defaults beschreibt, welche Eingaben PrepareInputs ergaenzt
type Defaults struct {
	// Sequence ist die Pflichteingabe [batch, seq, ...], aus der die Shapes folgen
	Sequence string
	// Mask wird mit Einsen [batch, seq] belegt
	Mask string
	// Positions wird mit offset..offset+seq belegt
	Positions string

	HeadMasks []HeadMaskDefault
}

// HeadMaskDefault wird mit Einsen [NumBlocks, NumHeads] belegt
type HeadMaskDefault struct {
	Name      string
	NumBlocks int
	NumHeads  int
}

// PrepareInputs gibt eine Kopie von in zurueck, in der fehlende optionale
// Eingaben gesetzt sind. Die Map des Aufrufers bleibt unveraendert.
func PrepareInputs(ctx ml.Context, in Inputs, d Defaults) (Inputs, error) {
	seq := in.Values[d.Sequence]
	if seq == nil {
		return in, fmt.Errorf("%w: %q", ErrMissingInput, d.Sequence)
	}

	values := maps.Clone(in.Values)
	batchSize, seqLen := seq.Dim(0), seq.Dim(1)

	if d.Mask != "" && values[d.Mask] == nil {
		values[d.Mask] = ones(ctx, batchSize, seqLen)
	}

	if d.Positions != "" && values[d.Positions] == nil {
		offset := in.Cache.Offset()
		values[d.Positions] = ctx.Arange(float32(offset), float32(offset+seqLen), 1, ml.DTypeI32)
	}

	for _, hm := range d.HeadMasks {
		if values[hm.Name] == nil && hm.NumBlocks > 0 {
			values[hm.Name] = ones(ctx, hm.NumBlocks, hm.NumHeads)
		}
	}

	return Inputs{Values: values, Cache: in.Cache}, nil
}

func ones(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}

	return ctx.FromFloats(s, shape...)
}

// ShiftRight bildet decoder_input_ids aus input_ids [batch, seq]: das
// Start-Token wird vorangestellt, das letzte Token entfaellt.
func ShiftRight(ctx ml.Context, ids ml.Tensor, startTokenID int32) ml.Tensor {
	batchSize, seqLen := ids.Dim(0), ids.Dim(1)

	start := make([]int32, batchSize)
	for i := range start {
		start[i] = startTokenID
	}

	shifted := ctx.FromInts(start, batchSize, 1)
	if seqLen == 1 {
		return shifted
	}

	return shifted.Concat(ctx, ids.Slice(ctx, 1, 0, seqLen-1, 1), 1)
}
