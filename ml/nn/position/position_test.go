package position

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/backend/cpu"
)

func setup(tb testing.TB) ml.Context {
	tb.Helper()

	b, err := cpu.New(ml.BackendParams{})
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(b.Close)

	ctx := b.NewContext()
	tb.Cleanup(ctx.Close)
	return ctx
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestLearned(t *testing.T) {
	ctx := setup(t)

	m := Learned{Weight: ctx.Arange(0, 12, 1, ml.DTypeF32).Reshape(ctx, 6, 2), Offset: 2}
	x := ctx.Zeros(ml.DTypeF32, 1, 2, 2)

	got := m.Forward(ctx, x, ctx.FromInts([]int32{0, 1}, 2))
	if diff := cmp.Diff([]int{1, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}

	// Offset 2 ueberspringt die ersten beiden Zeilen
	if diff := cmp.Diff([]float32{4, 5, 6, 7}, got.Floats()); diff != "" {
		t.Errorf("Embeddings falsch (-want +got):\n%s", diff)
	}
}

func TestInterpolated(t *testing.T) {
	ctx := setup(t)

	// ein CLS-Token plus 2x2 Raster, hidden 2; das Raster ist konstant pro Kanal
	weight := ctx.FromFloats([]float32{
		9, -9,
		1, 2,
		1, 2,
		1, 2,
		1, 2,
	}, 1, 5, 2)
	m := Interpolated{Weight: weight}

	g, err := m.Grid(1)
	require.NoError(t, err)
	require.Equal(t, 2, g)

	t.Run("unveraendert", func(t *testing.T) {
		got := m.Forward(ctx, 1, 2, 2)
		if diff := cmp.Diff(weight.Floats(), got.Floats()); diff != "" {
			t.Errorf("Embeddings falsch (-want +got):\n%s", diff)
		}
	})

	t.Run("skaliert", func(t *testing.T) {
		got := m.Forward(ctx, 1, 3, 4)
		if diff := cmp.Diff([]int{1, 13, 2}, got.Shape()); diff != "" {
			t.Fatalf("Shape falsch (-want +got):\n%s", diff)
		}

		want := []float32{9, -9}
		for range 12 {
			want = append(want, 1, 2)
		}

		if diff := cmp.Diff(want, got.Floats(), approx); diff != "" {
			t.Errorf("Embeddings falsch (-want +got):\n%s", diff)
		}
	})

	_, err = m.Grid(2)
	require.ErrorIs(t, err, fs.ErrInvalidOption)
}

func TestBucket(t *testing.T) {
	bidirectional := RelativeOptions{Bidirectional: true}
	unidirectional := RelativeOptions{}

	cases := []struct {
		relative int
		opts     RelativeOptions
		want     int32
	}{
		{0, bidirectional, 0},
		{1, bidirectional, 17},
		{-1, bidirectional, 1},
		{-7, bidirectional, 7},
		{-8, bidirectional, 8},
		{-20, bidirectional, 10},
		{-200, bidirectional, 15},
		{200, bidirectional, 31},
		{5, unidirectional, 0},
		{-5, unidirectional, 5},
		{-20, unidirectional, 17},
		{-1000, unidirectional, 31},
	}

	for _, tt := range cases {
		if got := Bucket(tt.relative, tt.opts); got != tt.want {
			t.Errorf("Bucket(%d, bidirectional=%v) = %d, erwartet %d", tt.relative, tt.opts.Bidirectional, got, tt.want)
		}
	}
}

func TestRelativeBias(t *testing.T) {
	ctx := setup(t)

	opts := RelativeOptions{NumBuckets: 8, MaxDistance: 16}
	require.NoError(t, opts.Validate())

	// zwei Koepfe, Kopf 1 ist Kopf 0 plus 100
	table := make([]float32, 0, 16)
	for b := range 8 {
		table = append(table, float32(b), float32(b+100))
	}
	m := RelativeBias{Weight: ctx.FromFloats(table, 8, 2)}

	full := m.Forward(ctx, 3, 3, 0, opts)
	if diff := cmp.Diff([]int{1, 2, 3, 3}, full.Shape()); diff != "" {
		t.Fatalf("Shape falsch (-want +got):\n%s", diff)
	}

	// unidirektional: Key vor Query ergibt den Abstand als Bucket, spaetere Keys Bucket 0
	want := []float32{
		0, 0, 0,
		1, 0, 0,
		2, 1, 0,
		100, 100, 100,
		101, 100, 100,
		102, 101, 100,
	}
	if diff := cmp.Diff(want, full.Floats()); diff != "" {
		t.Errorf("Bias falsch (-want +got):\n%s", diff)
	}

	// inkrementell: eine Query an Position 2 entspricht der letzten Zeile
	step := m.Forward(ctx, 1, 3, 2, opts)
	if diff := cmp.Diff([]float32{2, 1, 0, 102, 101, 100}, step.Floats()); diff != "" {
		t.Errorf("Bias mit Offset falsch (-want +got):\n%s", diff)
	}

	require.ErrorIs(t, RelativeOptions{NumBuckets: 2, Bidirectional: true}.Validate(), fs.ErrInvalidOption)
}
