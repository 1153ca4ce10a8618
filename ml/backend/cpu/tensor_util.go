// tensor_util.go - Tensor Hilfsfunktionen
// Enthält: Mean, Interpolate (nearest, bilinear, bicubic)

package cpu

import (
	"fmt"
	"math"

	"github.com/ollama/assembler/ml"
)

// Mean mittelt über eine Dimension und entfernt sie
func (t *Tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	dim = t.normDim(dim)
	outer := numel(t.shape[:dim])
	n := t.shape[dim]
	inner := numel(t.shape[dim+1:])

	out := make([]float32, outer*inner)
	for o := range outer {
		for i := range n {
			base := (o*n + i) * inner
			for j := range inner {
				out[o*inner+j] += t.data[base+j]
			}
		}
	}

	for i := range out {
		out[i] /= float32(n)
	}

	shape := append(t.Shape()[:dim], t.shape[dim+1:]...)
	return ctx.(*Context).newTensor(ml.DTypeF32, shape, out)
}

// Interpolate skaliert die beiden letzten Dimensionen eines [n, c, h, w] Tensors.
// Die Koordinaten folgen align_corners=false.
func (t *Tensor) Interpolate(ctx ml.Context, dims [4]int, samplingMode ml.SamplingMode) ml.Tensor {
	if len(t.shape) != 4 || dims[0] != t.shape[0] || dims[1] != t.shape[1] {
		panic(fmt.Errorf("interpolate expects [n, c, h, w] with matching n and c, got %v -> %v", t.shape, dims))
	}

	h, w := t.shape[2], t.shape[3]
	oh, ow := dims[2], dims[3]

	var ys, xs [][]tap
	switch samplingMode {
	case ml.SamplingModeNearest:
		ys, xs = nearestTaps(h, oh), nearestTaps(w, ow)
	case ml.SamplingModeBilinear:
		ys, xs = bilinearTaps(h, oh), bilinearTaps(w, ow)
	case ml.SamplingModeBicubic:
		ys, xs = bicubicTaps(h, oh), bicubicTaps(w, ow)
	default:
		panic(fmt.Errorf("unsupported sampling mode %d", samplingMode))
	}

	planes := dims[0] * dims[1]
	out := make([]float32, planes*oh*ow)
	for p := range planes {
		src := t.data[p*h*w : (p+1)*h*w]
		dst := out[p*oh*ow : (p+1)*oh*ow]
		for y := range oh {
			for x := range ow {
				var v float64
				for _, ty := range ys[y] {
					for _, tx := range xs[x] {
						v += ty.w * tx.w * float64(src[ty.i*w+tx.i])
					}
				}
				dst[y*ow+x] = float32(v)
			}
		}
	}

	return ctx.(*Context).newTensor(ml.DTypeF32, dims[:], out)
}

// tap ist ein Quellindex mit Gewicht
type tap struct {
	i int
	w float64
}

func nearestTaps(in, out int) [][]tap {
	scale := float64(in) / float64(out)
	taps := make([][]tap, out)
	for o := range taps {
		taps[o] = []tap{{min(int(math.Floor(float64(o)*scale)), in-1), 1}}
	}

	return taps
}

func bilinearTaps(in, out int) [][]tap {
	scale := float64(in) / float64(out)
	taps := make([][]tap, out)
	for o := range taps {
		src := max((float64(o)+0.5)*scale-0.5, 0)
		i0 := min(int(src), in-1)
		i1 := min(i0+1, in-1)
		l := src - float64(i0)
		taps[o] = []tap{{i0, 1 - l}, {i1, l}}
	}

	return taps
}

// cubicA ist der Koeffizient der kubischen Faltung (wie PyTorch)
const cubicA = -0.75

func cubic1(x float64) float64 {
	return ((cubicA+2)*x-(cubicA+3))*x*x + 1
}

func cubic2(x float64) float64 {
	return ((cubicA*x-5*cubicA)*x+8*cubicA)*x - 4*cubicA
}

func bicubicTaps(in, out int) [][]tap {
	scale := float64(in) / float64(out)
	taps := make([][]tap, out)
	for o := range taps {
		src := (float64(o)+0.5)*scale - 0.5
		f := math.Floor(src)
		d := src - f

		weights := [4]float64{cubic2(d + 1), cubic1(d), cubic1(1 - d), cubic2(2 - d)}
		for k, wk := range weights {
			i := min(max(int(f)-1+k, 0), in-1)
			taps[o] = append(taps[o], tap{i, wk})
		}
	}

	return taps
}
