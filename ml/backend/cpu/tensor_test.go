package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/assembler/ml"
)

func setup(tb testing.TB, weights ...ml.Weight) ml.Context {
	tb.Helper()

	b, err := New(ml.BackendParams{NumThreads: 2, Weights: weights})
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(b.Close)

	ctx := b.NewContext()
	tb.Cleanup(ctx.Close)
	return ctx
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestBroadcast(t *testing.T) {
	ctx := setup(t)

	cases := []struct {
		name  string
		a, b  ml.Tensor
		op    func(a, b ml.Tensor) ml.Tensor
		shape []int
		want  []float32
	}{
		{
			name:  "gleiche Shape",
			a:     ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2),
			b:     ctx.FromFloats([]float32{10, 20, 30, 40}, 2, 2),
			op:    func(a, b ml.Tensor) ml.Tensor { return a.Add(ctx, b) },
			shape: []int{2, 2},
			want:  []float32{11, 22, 33, 44},
		},
		{
			name:  "Bias ueber letzte Dimension",
			a:     ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3),
			b:     ctx.FromFloats([]float32{1, 0, -1}, 3),
			op:    func(a, b ml.Tensor) ml.Tensor { return a.Mul(ctx, b) },
			shape: []int{1, 2, 3},
			want:  []float32{1, 0, -3, 4, 0, -6},
		},
		{
			name:  "Spalte gegen Zeile",
			a:     ctx.FromFloats([]float32{1, 2}, 2, 1),
			b:     ctx.FromFloats([]float32{10, 20, 30}, 1, 3),
			op:    func(a, b ml.Tensor) ml.Tensor { return a.Sub(ctx, b) },
			shape: []int{2, 3},
			want:  []float32{-9, -19, -29, -8, -18, -28},
		},
		{
			name:  "Maske [b,1,1,k]",
			a:     ctx.FromFloats([]float32{1, 1, 1, 1}, 1, 2, 1, 2),
			b:     ctx.FromFloats([]float32{2, 4}, 1, 1, 1, 2),
			op:    func(a, b ml.Tensor) ml.Tensor { return a.Div(ctx, b) },
			shape: []int{1, 2, 1, 2},
			want:  []float32{0.5, 0.25, 0.5, 0.25},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.op(tt.a, tt.b)
			if diff := cmp.Diff(tt.shape, got.Shape()); diff != "" {
				t.Errorf("Shape falsch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, got.Floats(), approx); diff != "" {
				t.Errorf("Werte falsch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatmul(t *testing.T) {
	ctx := setup(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float32{1, 0, 0, 1, 1, 1}, 3, 2)

	got := a.Matmul(ctx, b)
	if diff := cmp.Diff([]float32{4, 5, 10, 11}, got.Floats(), approx); diff != "" {
		t.Errorf("Matmul (-want +got):\n%s", diff)
	}

	// x * W^T wie in einer linearen Schicht mit W [out, in]
	w := ctx.FromFloats([]float32{1, 0, 0, 0, 1, 0}, 2, 3)
	x := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	got = x.MatmulT(ctx, w)
	if diff := cmp.Diff([]int{1, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("MatmulT Shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 4, 5}, got.Floats(), approx); diff != "" {
		t.Errorf("MatmulT (-want +got):\n%s", diff)
	}

	// Batch-Matmul mit Broadcasting der Batch-Dimension
	q := ctx.FromFloats([]float32{1, 0, 0, 1, 2, 0, 0, 2}, 2, 2, 2)
	k := ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 2, 2)
	got = q.MatmulT(ctx, k)
	if diff := cmp.Diff([]int{2, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("Batch Shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 3, 2, 4, 2, 6, 4, 8}, got.Floats(), approx); diff != "" {
		t.Errorf("Batch-MatmulT (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	ctx := setup(t)

	neg := float32(-math.MaxFloat32)
	tt := ctx.FromFloats([]float32{
		0, 0, 0, 0,
		1, neg, neg, neg,
		neg, neg, neg, neg,
	}, 3, 4)

	got := tt.Softmax(ctx).Floats()
	want := []float32{
		0.25, 0.25, 0.25, 0.25,
		1, 0, 0, 0,
		0.25, 0.25, 0.25, 0.25,
	}

	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Softmax (-want +got):\n%s", diff)
	}

	// Maskierte Positionen muessen exakt null sein
	for i := 5; i < 8; i++ {
		if got[i] != 0 {
			t.Errorf("Softmax[%d] = %v, erwartet exakt 0", i, got[i])
		}
	}
}

func TestNorms(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 4)
	got := x.LayerNorm(ctx, nil, nil, 0).Floats()

	// mean 2.5, var 1.25
	s := float32(math.Sqrt(1.25))
	want := []float32{-1.5 / s, -0.5 / s, 0.5 / s, 1.5 / s}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("LayerNorm (-want +got):\n%s", diff)
	}

	w := ctx.FromFloats([]float32{2, 2, 2, 2}, 4)
	got = x.RMSNorm(ctx, w, 0).Floats()
	r := float32(math.Sqrt(7.5))
	want = []float32{2 / r, 4 / r, 6 / r, 8 / r}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("RMSNorm (-want +got):\n%s", diff)
	}
}

func TestShapeOps(t *testing.T) {
	ctx := setup(t)

	x := ctx.Arange(0, 24, 1, ml.DTypeF32).Reshape(ctx, 2, 3, 4)

	t.Run("Permute", func(t *testing.T) {
		p := x.Permute(ctx, 2, 0, 1)
		if diff := cmp.Diff([]int{4, 2, 3}, p.Shape()); diff != "" {
			t.Fatalf("Shape (-want +got):\n%s", diff)
		}
		want := []float32{0, 4, 8, 12, 16, 20, 1, 5, 9, 13, 17, 21, 2, 6, 10, 14, 18, 22, 3, 7, 11, 15, 19, 23}
		if diff := cmp.Diff(want, p.Floats()); diff != "" {
			t.Errorf("Permute (-want +got):\n%s", diff)
		}
	})

	t.Run("Reshape -1", func(t *testing.T) {
		r := x.Reshape(ctx, 6, -1)
		if diff := cmp.Diff([]int{6, 4}, r.Shape()); diff != "" {
			t.Errorf("Shape (-want +got):\n%s", diff)
		}
	})

	t.Run("Slice und Concat", func(t *testing.T) {
		a := x.Slice(ctx, 1, 0, 1, 1)
		b := x.Slice(ctx, 1, 1, 3, 1)
		if diff := cmp.Diff(x.Floats(), a.Concat(ctx, b, 1).Floats()); diff != "" {
			t.Errorf("Concat(Slice) ergibt nicht das Original (-want +got):\n%s", diff)
		}
	})

	t.Run("Chunk", func(t *testing.T) {
		chunks := x.Chunk(ctx, -1, 2)
		if len(chunks) != 2 {
			t.Fatalf("Anzahl Chunks = %d, erwartet 2", len(chunks))
		}
		if diff := cmp.Diff([]float32{0, 1, 4, 5, 8, 9}, chunks[0].Slice(ctx, 0, 0, 1, 1).Floats()); diff != "" {
			t.Errorf("Chunk (-want +got):\n%s", diff)
		}
	})

	t.Run("Repeat", func(t *testing.T) {
		r := ctx.FromFloats([]float32{1, 2}, 2, 1).Repeat(ctx, 1, 3)
		if diff := cmp.Diff([]float32{1, 1, 1, 2, 2, 2}, r.Floats()); diff != "" {
			t.Errorf("Repeat (-want +got):\n%s", diff)
		}
	})

	t.Run("Rows", func(t *testing.T) {
		table := ctx.Arange(0, 6, 1, ml.DTypeF32).Reshape(ctx, 3, 2)
		r := table.Rows(ctx, ctx.FromInts([]int32{2, 0}, 1, 2))
		if diff := cmp.Diff([]int{1, 2, 2}, r.Shape()); diff != "" {
			t.Errorf("Shape (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]float32{4, 5, 0, 1}, r.Floats()); diff != "" {
			t.Errorf("Rows (-want +got):\n%s", diff)
		}
	})

	t.Run("Mean", func(t *testing.T) {
		m := x.Mean(ctx, 1)
		if diff := cmp.Diff([]int{2, 4}, m.Shape()); diff != "" {
			t.Errorf("Shape (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]float32{4, 5, 6, 7, 16, 17, 18, 19}, m.Floats(), approx); diff != "" {
			t.Errorf("Mean (-want +got):\n%s", diff)
		}
	})
}

func TestInterpolate(t *testing.T) {
	ctx := setup(t)

	x := ctx.Arange(0, 9, 1, ml.DTypeF32).Reshape(ctx, 1, 1, 3, 3)

	for _, mode := range []ml.SamplingMode{ml.SamplingModeNearest, ml.SamplingModeBilinear, ml.SamplingModeBicubic} {
		got := x.Interpolate(ctx, [4]int{1, 1, 3, 3}, mode)
		if diff := cmp.Diff(x.Floats(), got.Floats(), approx); diff != "" {
			t.Errorf("Modus %d: gleiche Groesse muss Identitaet sein (-want +got):\n%s", mode, diff)
		}
	}

	// Eine konstante Flaeche bleibt bei bicubic konstant
	c := ctx.FromFloats([]float32{2, 2, 2, 2}, 1, 1, 2, 2)
	got := c.Interpolate(ctx, [4]int{1, 1, 5, 3}, ml.SamplingModeBicubic)
	if diff := cmp.Diff([]int{1, 1, 5, 3}, got.Shape()); diff != "" {
		t.Errorf("Shape (-want +got):\n%s", diff)
	}
	for i, v := range got.Floats() {
		if math.Abs(float64(v-2)) > 1e-5 {
			t.Errorf("Wert %d = %v, erwartet 2", i, v)
		}
	}
}

func TestCast(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{1.0009765625 + 1e-4, 3.14159}, 2)
	f16 := x.Cast(ctx, ml.DTypeF16)
	if f16.DType() != ml.DTypeF16 {
		t.Errorf("DType = %v, erwartet f16", f16.DType())
	}
	if diff := cmp.Diff([]float32{1.0009765625, 3.140625}, f16.Floats()); diff != "" {
		t.Errorf("f16 Rundung (-want +got):\n%s", diff)
	}

	bf16 := x.Cast(ctx, ml.DTypeBF16).Floats()
	if math.Abs(float64(bf16[1]-3.14159)) > 0.02 {
		t.Errorf("bf16 Wert = %v, erwartet ungefaehr 3.14", bf16[1])
	}
}

func TestBackend(t *testing.T) {
	b, err := ml.NewBackend("cpu", ml.BackendParams{Weights: []ml.Weight{
		{Name: "b.weight", Shape: []int{2}, Data: []float32{1, 2}},
		{Name: "a.weight", Shape: []int{1}, Data: []float32{3}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if diff := cmp.Diff([]string{"b.weight", "a.weight"}, b.Names()); diff != "" {
		t.Errorf("Names muss Ladereihenfolge behalten (-want +got):\n%s", diff)
	}

	if b.Get("missing") != nil {
		t.Error("Get fuer unbekannten Namen muss nil liefern")
	}

	if _, err := ml.NewBackend("cpu", ml.BackendParams{Weights: []ml.Weight{
		{Name: "x", Shape: []int{3}, Data: []float32{1}},
	}}); err == nil {
		t.Error("falsche Datenlaenge muss einen Fehler liefern")
	}
}
