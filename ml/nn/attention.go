package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn/position"
	"github.com/ollama/assembler/ml/nn/rope"
)

var ErrHeadDim = errors.New("attention head dimension mismatch")

// AttentionOptions is the static configuration of an attention layer. It is
// validated once when the model is constructed.
type AttentionOptions struct {
	NumHeads int
	// NumKVHeads is less than NumHeads for grouped-query attention. 0 means NumHeads.
	NumKVHeads int
	HiddenSize int
	// HeadDim defaults to HiddenSize / NumHeads
	HeadDim int

	Causal bool
	// SkipScaling disables the 1/√d_k factor (T5 folds it into the weights)
	SkipScaling bool
	DropoutRate float64

	// Rotary is applied to queries and keys of self-attention when set
	Rotary *rope.Options

	// Relative configures the bucketing of a relative bias parameter, if present
	Relative position.RelativeOptions
}

func (o *AttentionOptions) numKVHeads() int {
	if o.NumKVHeads == 0 {
		return o.NumHeads
	}

	return o.NumKVHeads
}

func (o *AttentionOptions) headDim() int {
	if o.HeadDim == 0 {
		return o.HiddenSize / o.NumHeads
	}

	return o.HeadDim
}

func (o *AttentionOptions) Validate() error {
	switch {
	case o.NumHeads <= 0:
		return fmt.Errorf("%w: num_attention_heads must be positive, got %d", fs.ErrInvalidOption, o.NumHeads)
	case o.NumKVHeads < 0 || o.NumHeads%o.numKVHeads() != 0:
		return fmt.Errorf("%w: num_attention_heads %d is not divisible by num_key_value_heads %d", fs.ErrInvalidOption, o.NumHeads, o.NumKVHeads)
	case o.HeadDim < 0:
		return fmt.Errorf("%w: head_dim must not be negative, got %d", fs.ErrInvalidOption, o.HeadDim)
	case o.HeadDim == 0 && (o.HiddenSize <= 0 || o.HiddenSize%o.NumHeads != 0):
		return fmt.Errorf("%w: hidden_size %d is not divisible by num_attention_heads %d", fs.ErrInvalidOption, o.HiddenSize, o.NumHeads)
	case o.DropoutRate < 0 || o.DropoutRate >= 1:
		return fmt.Errorf("%w: attention_dropout must be in [0, 1), got %v", fs.ErrInvalidOption, o.DropoutRate)
	}

	if o.Rotary != nil {
		if err := o.Rotary.Validate(o.headDim()); err != nil {
			return err
		}
	}

	return o.Relative.Validate()
}

// Attention holds the projections of one multi-head attention layer
type Attention struct {
	Query  *Linear `weight:"query"`
	Key    *Linear `weight:"key"`
	Value  *Linear `weight:"value"`
	Output *Linear `weight:"output"`

	RelativeBias *position.RelativeBias `weight:"relative_bias,optional"`
}

// Validate checks the loaded projection widths against the options
func (m *Attention) Validate(opts *AttentionOptions) error {
	if m == nil || m.Query == nil || m.Key == nil || m.Value == nil || m.Output == nil {
		return fmt.Errorf("%w: attention projections", fs.ErrMissingOption)
	}

	headDim := opts.headDim()
	for _, p := range []struct {
		name string
		dim  int
		want int
	}{
		{"query", m.Query.Weight.Dim(0), opts.NumHeads * headDim},
		{"key", m.Key.Weight.Dim(0), opts.numKVHeads() * headDim},
		{"value", m.Value.Weight.Dim(0), opts.numKVHeads() * headDim},
		{"output", m.Output.Weight.Dim(1), opts.NumHeads * headDim},
	} {
		if p.dim != p.want {
			return fmt.Errorf("%w: %s projection has width %d, expected %d (heads: %d, kv heads: %d, head dim: %d)",
				ErrHeadDim, p.name, p.dim, p.want, opts.NumHeads, opts.numKVHeads(), headDim)
		}
	}

	if m.RelativeBias != nil && m.RelativeBias.Weight.Dim(1) != opts.NumHeads {
		return fmt.Errorf("%w: relative bias has %d heads, expected %d", fs.ErrInvalidOption, m.RelativeBias.Weight.Dim(1), opts.NumHeads)
	}

	return nil
}

// AttentionInput carries the per-call tensors of an attention layer.
type AttentionInput struct {
	// Query is [batch, q_len, hidden]
	Query ml.Tensor
	// KeyValue is the source of keys and values. nil or Query means self-attention.
	KeyValue ml.Tensor

	// Mask is the padding mask [batch, len] of the new keys: the current
	// positions for self-attention, the encoder positions for cross-attention.
	Mask ml.Tensor
	// HeadMask is [heads]; a zero row removes that head's contribution
	HeadMask ml.Tensor
	// RelativeBias is added to the scores. If nil and the layer owns a
	// relative bias table, the bias is computed and returned.
	RelativeBias ml.Tensor
	// Positions overrides the rotary positions offset..offset+q_len
	Positions ml.Tensor

	Cache  kvcache.Entry
	Offset int
	Cross  bool
}

type AttentionOutput struct {
	// Hidden is [batch, q_len, hidden]
	Hidden ml.Tensor
	// Weights is [batch, heads, q_len, k_len]
	Weights      ml.Tensor
	Cache        kvcache.Entry
	RelativeBias ml.Tensor
}

// Forward implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T/√d_k + bias)V
//
// For self-attention the new keys and values are appended to the cache entry.
// For cross-attention a populated cache entry is reused as is and the key and
// value projections are skipped.
func (m *Attention) Forward(ctx ml.Context, in AttentionInput, opts *AttentionOptions) AttentionOutput {
	batchSize, queries := in.Query.Dim(0), in.Query.Dim(1)
	numHeads := opts.NumHeads
	cross := in.Cross || (in.KeyValue != nil && in.KeyValue != in.Query)

	query := m.Query.Forward(ctx, in.Query)
	query = query.Reshape(ctx, batchSize, queries, numHeads, -1).Permute(ctx, 0, 2, 1, 3)

	var key, value, mask ml.Tensor
	entry := in.Cache
	if cross {
		if entry.Empty() {
			key, value = m.project(ctx, in.KeyValue, opts.numKVHeads())
			entry = entry.Store(ctx, key, value, in.Mask)
		}

		key, value, mask = entry.Key, entry.Value, entry.Mask
	} else {
		key, value = m.project(ctx, in.Query, opts.numKVHeads())

		if opts.Rotary != nil {
			positions := in.Positions
			if positions == nil {
				positions = ctx.Arange(float32(in.Offset), float32(in.Offset+queries), 1, ml.DTypeI32)
			}

			query = rope.Apply(ctx, query, positions, opts.Rotary)
			key = rope.Apply(ctx, key, positions, opts.Rotary)
		}

		key, value, mask, entry = entry.Append(ctx, key, value, in.Mask)
	}

	if query.Dim(3) != key.Dim(3) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(3), key.Dim(3)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("kv_heads in attention operation does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	if rep := numHeads / key.Dim(1); rep > 1 {
		key, value = repeatKV(ctx, key, rep), repeatKV(ctx, value, rep)
	}

	keys := key.Dim(2)
	scores := query.MatmulT(ctx, key)
	if !opts.SkipScaling {
		scores = scores.Scale(ctx, 1/math.Sqrt(float64(query.Dim(3))))
	}

	if bias := kvcache.Mask(ctx, mask, batchSize, queries, keys, in.Offset, opts.Causal && !cross); bias != nil {
		scores = scores.Add(ctx, bias)
	}

	relativeBias := in.RelativeBias
	if relativeBias == nil && m.RelativeBias != nil && !cross {
		relativeBias = m.RelativeBias.Forward(ctx, queries, keys, in.Offset, opts.Relative)
	}

	if relativeBias != nil {
		scores = scores.Add(ctx, relativeBias)
	}

	weights := scores.Softmax(ctx)
	weights = Dropout(ctx, weights, opts.DropoutRate)

	if in.HeadMask != nil {
		weights = weights.Mul(ctx, in.HeadMask.Reshape(ctx, 1, -1, 1, 1))
	}

	hidden := weights.Matmul(ctx, value)
	hidden = hidden.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, batchSize, queries, -1)
	hidden = m.Output.Forward(ctx, hidden)

	return AttentionOutput{
		Hidden:       hidden,
		Weights:      weights,
		Cache:        entry,
		RelativeBias: relativeBias,
	}
}

// project computes keys and values as [batch, kv_heads, len, head_dim]
func (m *Attention) project(ctx ml.Context, t ml.Tensor, numKVHeads int) (ml.Tensor, ml.Tensor) {
	batchSize, length := t.Dim(0), t.Dim(1)

	key := m.Key.Forward(ctx, t)
	key = key.Reshape(ctx, batchSize, length, numKVHeads, -1).Permute(ctx, 0, 2, 1, 3)

	value := m.Value.Forward(ctx, t)
	value = value.Reshape(ctx, batchSize, length, numKVHeads, -1).Permute(ctx, 0, 2, 1, 3)

	return key, value
}

// repeatKV expands [b, kv_heads, s, d] so that query head i reads kv head i/n
func repeatKV(ctx ml.Context, t ml.Tensor, n int) ml.Tensor {
	b, h, s, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	return t.Reshape(ctx, b, h, 1, s, d).Repeat(ctx, 2, n).Reshape(ctx, b, h*n, s, d)
}

// Shapes gibt die Parameter-Shapes unter prefix zurueck, etwa fuer eine
// Initialisierung ohne Checkpoint
func (o *AttentionOptions) Shapes(prefix string, bias bool) map[string][]int {
	q, kv := o.NumHeads*o.headDim(), o.numKVHeads()*o.headDim()

	shapes := map[string][]int{
		prefix + ".query.weight":  {q, o.HiddenSize},
		prefix + ".key.weight":    {kv, o.HiddenSize},
		prefix + ".value.weight":  {kv, o.HiddenSize},
		prefix + ".output.weight": {o.HiddenSize, q},
	}

	if bias {
		shapes[prefix+".query.bias"] = []int{q}
		shapes[prefix+".key.bias"] = []int{kv}
		shapes[prefix+".value.bias"] = []int{kv}
		shapes[prefix+".output.bias"] = []int{o.HiddenSize}
	}

	return shapes
}
