// Package rope - Rotary Position Embedding
//
// Dieses Modul enthaelt:
// - Options: Dimension, Basis, Skalierung und Layout der Rotation
// - Apply: rotiert Query/Key-Vektoren abhaengig von der absoluten Position
package rope

import (
	"fmt"
	"math"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

// Options contains the parameters of the rotary embedding
type Options struct {
	// Dim is the number of rotated channels per head. 0 rotates the full head.
	Dim int

	// Base of the inverse frequencies, 10000 if unset
	Base float32

	// Scale multiplies the positions (linear scaling), 1 if unset
	Scale float32

	// Interleaved rotates adjacent pairs (GPT-J) instead of the two halves (NeoX)
	Interleaved bool
}

// New returns options with defaults applied
func New(options ...func(*Options)) *Options {
	opts := Options{Base: 10000, Scale: 1}
	for _, option := range options {
		option(&opts)
	}

	return &opts
}

// WithDim rotates only the first n channels of each head
func WithDim(n int) func(*Options) {
	return func(opts *Options) {
		opts.Dim = n
	}
}

func WithBase(base float32) func(*Options) {
	return func(opts *Options) {
		if base > 0 {
			opts.Base = base
		}
	}
}

func WithScale(scale float32) func(*Options) {
	return func(opts *Options) {
		if scale > 0 {
			opts.Scale = scale
		}
	}
}

// WithInterleaved sets the GPT-J layout
func WithInterleaved() func(*Options) {
	return func(opts *Options) {
		opts.Interleaved = true
	}
}

func (o *Options) dim(headDim int) int {
	if o.Dim == 0 {
		return headDim
	}

	return o.Dim
}

// Validate checks the options against the head dimension
func (o *Options) Validate(headDim int) error {
	dim := o.dim(headDim)
	switch {
	case dim <= 0 || dim%2 != 0:
		return fmt.Errorf("%w: rotary dimension must be even, got %d", fs.ErrInvalidOption, dim)
	case dim > headDim:
		return fmt.Errorf("%w: rotary dimension %d exceeds head dimension %d", fs.ErrInvalidOption, dim, headDim)
	case o.Base <= 0:
		return fmt.Errorf("%w: rope_theta must be positive, got %v", fs.ErrInvalidOption, o.Base)
	}

	return nil
}

// Apply rotates t [batch, heads, seq, head_dim] by positions [seq] or [batch, seq]
func Apply(ctx ml.Context, t, positions ml.Tensor, o *Options) ml.Tensor {
	headDim := t.Dim(3)
	dim := o.dim(headDim)
	if err := o.Validate(headDim); err != nil {
		panic(err)
	}

	seqLen := t.Dim(2)
	if positions.Dim(-1) != seqLen {
		panic(fmt.Errorf("rope positions %v do not match sequence length %v", positions.Shape(), seqLen))
	}

	cos, sin := o.tables(ctx, positions, dim)

	rot, pass := t, ml.Tensor(nil)
	if dim < headDim {
		rot = t.Slice(ctx, 3, 0, dim, 1)
		pass = t.Slice(ctx, 3, dim, headDim, 1)
	}

	rot = rot.Mul(ctx, cos).Add(ctx, o.rotate(ctx, rot).Mul(ctx, sin))
	if pass != nil {
		rot = rot.Concat(ctx, pass, 3)
	}

	return rot
}

// rotate builds (-x2, x1) in the layout of the options
func (o *Options) rotate(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if o.Interleaved {
		shape := t.Shape()
		pairs := t.Reshape(ctx, append(shape[:3:3], shape[3]/2, 2)...).Chunk(ctx, 4, 1)
		return pairs[1].Scale(ctx, -1).Concat(ctx, pairs[0], 4).Reshape(ctx, shape...)
	}

	halves := t.Chunk(ctx, 3, t.Dim(3)/2)
	return halves[1].Scale(ctx, -1).Concat(ctx, halves[0], 3)
}

// tables returns cos and sin as [batch or 1, 1, seq, dim]
func (o *Options) tables(ctx ml.Context, positions ml.Tensor, dim int) (ml.Tensor, ml.Tensor) {
	pos := positions.Floats()
	batchSize := 1
	if len(positions.Shape()) > 1 {
		batchSize = positions.Dim(0)
	}

	half := dim / 2
	freqs := make([]float64, half)
	for j := range freqs {
		freqs[j] = math.Pow(float64(o.Base), -float64(2*j)/float64(dim))
	}

	cos := make([]float32, len(pos)*dim)
	sin := make([]float32, len(pos)*dim)
	for p, v := range pos {
		for j, f := range freqs {
			a := float64(v) * float64(o.Scale) * f
			c, s := float32(math.Cos(a)), float32(math.Sin(a))

			i, k := p*dim+j, p*dim+j+half
			if o.Interleaved {
				i, k = p*dim+2*j, p*dim+2*j+1
			}

			cos[i], cos[k] = c, c
			sin[i], sin[k] = s, s
		}
	}

	return ctx.FromFloats(cos, batchSize, 1, len(pos)/batchSize, dim),
		ctx.FromFloats(sin, batchSize, 1, len(pos)/batchSize, dim)
}
