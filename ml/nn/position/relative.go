package position

import (
	"fmt"
	"math"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

// RelativeOptions configures the bucketing of relative distances
type RelativeOptions struct {
	// NumBuckets defaults to 32
	NumBuckets int
	// MaxDistance defaults to 128
	MaxDistance int
	// Bidirectional uses separate buckets for keys before and after the query
	Bidirectional bool
}

func (o RelativeOptions) withDefaults() RelativeOptions {
	if o.NumBuckets == 0 {
		o.NumBuckets = 32
	}

	if o.MaxDistance == 0 {
		o.MaxDistance = 128
	}

	return o
}

func (o RelativeOptions) Validate() error {
	o = o.withDefaults()
	buckets := o.NumBuckets
	if o.Bidirectional {
		buckets /= 2
	}

	if buckets < 2 {
		return fmt.Errorf("%w: relative_attention_num_buckets too small: %d", fs.ErrInvalidOption, o.NumBuckets)
	}

	if o.MaxDistance <= buckets/2 {
		return fmt.Errorf("%w: relative_attention_max_distance %d must exceed %d", fs.ErrInvalidOption, o.MaxDistance, buckets/2)
	}

	return nil
}

// RelativeBias is a learned [num_buckets, num_heads] table
type RelativeBias struct {
	Weight ml.Tensor `weight:"weight"`
}

// Forward returns the bias [1, heads, queries, keys]. The first query sits
// at absolute position offset, keys start at 0.
func (m *RelativeBias) Forward(ctx ml.Context, queries, keys, offset int, opts RelativeOptions) ml.Tensor {
	opts = opts.withDefaults()
	if m.Weight.Dim(0) != opts.NumBuckets {
		panic(fmt.Errorf("relative bias table has %v buckets, expected %v", m.Weight.Dim(0), opts.NumBuckets))
	}

	buckets := make([]int32, queries*keys)
	for i := range queries {
		for j := range keys {
			buckets[i*keys+j] = Bucket(j-(offset+i), opts)
		}
	}

	numHeads := m.Weight.Dim(1)
	bias := m.Weight.Rows(ctx, ctx.FromInts(buckets, queries*keys))
	return bias.Reshape(ctx, queries, keys, numHeads).Permute(ctx, 2, 0, 1).Reshape(ctx, 1, numHeads, queries, keys)
}

// Bucket maps the distance key-query onto a bucket index. Small distances get
// exact buckets, larger ones share logarithmically sized buckets up to MaxDistance.
func Bucket(relative int, opts RelativeOptions) int32 {
	opts = opts.withDefaults()
	numBuckets := opts.NumBuckets

	var bucket int
	if opts.Bidirectional {
		numBuckets /= 2
		if relative > 0 {
			bucket += numBuckets
		}
		relative = max(relative, -relative)
	} else {
		relative = -min(relative, 0)
	}

	maxExact := numBuckets / 2
	if relative < maxExact {
		return int32(bucket + relative)
	}

	large := maxExact + int(math.Log(float64(relative)/float64(maxExact))/
		math.Log(float64(opts.MaxDistance)/float64(maxExact))*float64(numBuckets-maxExact))
	return int32(bucket + min(large, numBuckets-1))
}
