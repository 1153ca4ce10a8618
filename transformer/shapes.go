package transformer

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/ollama/assembler/ml/nn"
)

// ShapeOptions ergaenzt die Block-Optionen um Angaben, die nur aus dem
// Checkpoint hervorgehen
type ShapeOptions struct {
	IntermediateSize int
	// Bias fuer Projektionen und LayerNorm
	Bias bool
	// LayerScale fuegt self_attention_scale und ffn_scale hinzu
	LayerScale bool
	// RelativeBiasBlocks ist die Anzahl der ersten Bloecke mit eigener Bias-Tabelle
	RelativeBiasBlocks int
}

// Shapes beschreibt die Parameter aller Bloecke unter prefix. Die Typen von
// Normen und Feed-Forward werden aus den vorbelegten Bloecken gelesen, daher
// muss Shapes vor dem Befuellen der Gewichte aufgerufen werden.
func (bs Blocks) Shapes(prefix string, opts *Options, s ShapeOptions) map[string][]int {
	hiddenSize := opts.SelfAttention.HiddenSize
	shapes := make(map[string][]int)

	for i, b := range bs {
		p := prefix + "." + strconv.Itoa(i)

		maps.Copy(shapes, opts.SelfAttention.Shapes(p+".self_attention", s.Bias))
		maps.Copy(shapes, normShapes(p+".self_attention_norm", b.SelfAttentionNorm, hiddenSize))
		maps.Copy(shapes, normShapes(p+".output_norm", b.OutputNorm, hiddenSize))
		maps.Copy(shapes, feedForwardShapes(p+".ffn", b.FeedForward, hiddenSize, s))

		if i < s.RelativeBiasBlocks {
			buckets := opts.SelfAttention.Relative.NumBuckets
			if buckets == 0 {
				buckets = 32
			}

			shapes[p+".self_attention.relative_bias.weight"] = []int{buckets, opts.SelfAttention.NumHeads}
		}

		if b.CrossAttentionNorm != nil {
			maps.Copy(shapes, opts.crossAttention().Shapes(p+".cross_attention", s.Bias))
			maps.Copy(shapes, normShapes(p+".cross_attention_norm", b.CrossAttentionNorm, hiddenSize))
		}

		if s.LayerScale {
			shapes[p+".self_attention_scale"] = []int{hiddenSize}
			shapes[p+".ffn_scale"] = []int{hiddenSize}
		}
	}

	return shapes
}

func normShapes(prefix string, n nn.Norm, hiddenSize int) map[string][]int {
	switch n.(type) {
	case *nn.LayerNorm:
		return map[string][]int{prefix + ".weight": {hiddenSize}, prefix + ".bias": {hiddenSize}}
	case *nn.RMSNorm:
		return map[string][]int{prefix + ".weight": {hiddenSize}}
	default:
		panic(fmt.Errorf("unsupported norm %T", n))
	}
}

func linearShapes(prefix string, out, in int, bias bool) map[string][]int {
	shapes := map[string][]int{prefix + ".weight": {out, in}}
	if bias {
		shapes[prefix+".bias"] = []int{out}
	}

	return shapes
}

func feedForwardShapes(prefix string, ffn nn.FeedForward, hiddenSize int, s ShapeOptions) map[string][]int {
	shapes := make(map[string][]int)

	switch ffn.(type) {
	case *nn.MLP:
		maps.Copy(shapes, linearShapes(prefix+".intermediate", s.IntermediateSize, hiddenSize, s.Bias))
		maps.Copy(shapes, linearShapes(prefix+".output", hiddenSize, s.IntermediateSize, s.Bias))
	case *nn.SwiGLU:
		maps.Copy(shapes, linearShapes(prefix+".intermediate", 2*s.IntermediateSize, hiddenSize, s.Bias))
		maps.Copy(shapes, linearShapes(prefix+".output", hiddenSize, s.IntermediateSize, s.Bias))
	case *nn.GatedMLP:
		maps.Copy(shapes, linearShapes(prefix+".gate", s.IntermediateSize, hiddenSize, s.Bias))
		maps.Copy(shapes, linearShapes(prefix+".up", s.IntermediateSize, hiddenSize, s.Bias))
		maps.Copy(shapes, linearShapes(prefix+".down", hiddenSize, s.IntermediateSize, s.Bias))
	default:
		panic(fmt.Errorf("unsupported feed forward %T", ffn))
	}

	return shapes
}
