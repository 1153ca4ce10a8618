// reader_torch.go - Reader fuer PyTorch pickle Checkpoints
// Hauptfunktionen: parseTorch, torch.Read
package convert

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/ollama/assembler/ml"
)

func parseTorch(ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: expected a state dict, got %T", p, pt)
		}

		for _, k := range dict.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}

			t, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok {
				continue
			}

			dtype := ml.DTypeF32
			switch t.Source.(type) {
			case *pytorch.FloatStorage:
			case *pytorch.HalfStorage:
				dtype = ml.DTypeF16
			case *pytorch.BFloat16Storage:
				dtype = ml.DTypeBF16
			default:
				return nil, fmt.Errorf("%s: tensor %q: unsupported storage %T", p, name, t.Source)
			}

			ts = append(ts, torch{
				t: t,
				tensorBase: tensorBase{
					name:  name,
					shape: slices.Clone(t.Size),
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

type torch struct {
	t *pytorch.Tensor
	tensorBase
}

// contiguous prueft, ob die Strides einem row-major Layout entsprechen
func (pt torch) contiguous() bool {
	stride := 1
	for i := len(pt.t.Size) - 1; i >= 0; i-- {
		if pt.t.Size[i] != 1 && pt.t.Stride[i] != stride {
			return false
		}
		stride *= pt.t.Size[i]
	}

	return true
}

func (pt torch) Read() ([]float32, error) {
	if !pt.contiguous() {
		return nil, fmt.Errorf("%s: non-contiguous tensor with stride %v", pt.name, pt.t.Stride)
	}

	var data []float32
	switch s := pt.t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return nil, fmt.Errorf("%s: unknown storage %T", pt.name, s)
	}

	low, high := pt.t.StorageOffset, pt.t.StorageOffset+numel(pt.shape)
	if high > len(data) {
		return nil, fmt.Errorf("%s: storage has %d values, need %d", pt.name, len(data), high)
	}

	return slices.Clone(data[low:high]), nil
}
