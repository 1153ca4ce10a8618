package vit

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/backend/cpu"
	"github.com/ollama/assembler/ml/nn"
	"github.com/ollama/assembler/model"
	"github.com/ollama/assembler/model/modeltest"
)

const testConfig = `{
	"model_type": "vit",
	"hidden_size": 8,
	"num_attention_heads": 2,
	"num_hidden_layers": 2,
	"intermediate_size": 16,
	"image_size": 8,
	"patch_size": 4,
	"num_channels": 3,
	"add_pooling_layer": true,
	"output_hidden_states": true,
	"output_attentions": true
}`

func pixels(ctx ml.Context, height, width int) ml.Tensor {
	return ctx.FromFloats(modeltest.Values(3*height*width, 1), 1, 3, height, width)
}

func forward(t *testing.T, m model.Model, ctx ml.Context, values map[string]ml.Tensor) model.Outputs {
	t.Helper()

	out, err := model.Forward(ctx, m, model.Inputs{Values: values})
	if err != nil {
		t.Fatal(err)
	}

	return out
}

func TestForward(t *testing.T) {
	m, ctx := modeltest.New(t, testConfig)
	out := forward(t, m, ctx, map[string]ml.Tensor{model.PixelValues: pixels(ctx, 8, 8)})

	cases := []struct {
		name string
		want []int
	}{
		{model.HiddenState, []int{1, 5, 8}},
		{model.PooledState, []int{1, 8}},
		{FeatureMap, []int{1, 8, 2, 2}},
	}

	for _, tt := range cases {
		if diff := cmp.Diff(tt.want, out.Tensor(tt.name).Shape()); diff != "" {
			t.Errorf("%s: Shape falsch (-want +got):\n%s", tt.name, diff)
		}
	}

	require.Len(t, out.Tensors(model.HiddenStates), 3)
	require.Len(t, out.Tensors(model.Attentions), 2)
	require.Equal(t, []int{1, 2, 5, 5}, out.Tensors(model.Attentions)[0].Shape())
}

func TestFeatureMap(t *testing.T) {
	m, ctx := modeltest.New(t, testConfig)
	out := forward(t, m, ctx, map[string]ml.Tensor{model.PixelValues: pixels(ctx, 8, 8)})

	hidden := out.Tensor(model.HiddenState).Floats()
	features := out.Tensor(FeatureMap).Floats()

	// Patch (1, 0) ist Token 1 + 1*2 + 0 = 3; Kanal c liegt bei c*4 + 2
	for c := range 8 {
		if got, want := features[c*4+2], hidden[3*8+c]; got != want {
			t.Fatalf("Kanal %d: %v, erwartet %v", c, got, want)
		}
	}
}

func TestInterpolatedPositions(t *testing.T) {
	m, ctx := modeltest.New(t, testConfig)

	out := forward(t, m, ctx, map[string]ml.Tensor{model.PixelValues: pixels(ctx, 12, 8)})
	if diff := cmp.Diff([]int{1, 7, 8}, out.Tensor(model.HiddenState).Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{1, 8, 3, 2}, out.Tensor(FeatureMap).Shape()); diff != "" {
		t.Errorf("Feature-Map falsch (-want +got):\n%s", diff)
	}
}

func TestPatchDivisibility(t *testing.T) {
	m, ctx := modeltest.New(t, testConfig)

	for _, size := range [][2]int{{10, 8}, {8, 6}} {
		_, err := model.Forward(ctx, m, model.Inputs{Values: map[string]ml.Tensor{model.PixelValues: pixels(ctx, size[0], size[1])}})
		if !errors.Is(err, ErrPatchDivisibility) {
			t.Errorf("%dx%d: %v, erwartet ErrPatchDivisibility", size[0], size[1], err)
		}
	}

	_, err := model.Forward(ctx, m, model.Inputs{Values: map[string]ml.Tensor{model.PixelValues: ctx.FromFloats(modeltest.Values(64, 1), 1, 1, 8, 8)}})
	require.ErrorIs(t, err, fs.ErrInvalidOption)
}

func TestHeadMask(t *testing.T) {
	m, ctx := modeltest.New(t, testConfig)

	headMask := ctx.FromFloats([]float32{0, 0, 1, 1}, 2, 2)
	out := forward(t, m, ctx, map[string]ml.Tensor{
		model.PixelValues:       pixels(ctx, 8, 8),
		model.AttentionHeadMask: headMask,
	})

	for _, v := range out.Tensors(model.Attentions)[0].Floats() {
		if v != 0 {
			t.Fatalf("Block 0 ist maskiert, Gewicht %v", v)
		}
	}
}

func TestDINOv2(t *testing.T) {
	m, ctx := modeltest.New(t, `{
		"model_type": "dinov2",
		"hidden_size": 8,
		"num_attention_heads": 2,
		"num_hidden_layers": 1,
		"mlp_ratio": 4,
		"image_size": 8,
		"patch_size": 4,
		"layerscale_value": 1.0,
		"use_swiglu_ffn": true,
		"pooling_type": "mean"
	}`)

	vit := m.(*Model)
	require.NotNil(t, vit.Blocks[0].SelfAttentionScale)
	require.IsType(t, &nn.SwiGLU{}, vit.Blocks[0].FeedForward)
	require.Nil(t, vit.Pooler)

	out := forward(t, m, ctx, map[string]ml.Tensor{model.PixelValues: pixels(ctx, 8, 8)})
	require.Equal(t, []int{1, 8}, out.Tensor(model.PooledState).Shape())
	require.Nil(t, out[model.HiddenStates])
}

func TestPatchEmbedding(t *testing.T) {
	b, err := cpu.New(ml.BackendParams{})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx := b.NewContext()
	t.Cleanup(ctx.Close)

	identity := make([]float32, 16)
	for i := range 4 {
		identity[i*4+i] = 1
	}

	pe := &PatchEmbedding{Linear: &nn.Linear{Weight: ctx.FromFloats(identity, 4, 4)}}
	got := pe.Forward(ctx, ctx.FromFloats([]float32{0, 1, 2, 3, 4, 5, 6, 7}, 1, 1, 2, 4), 2)

	if diff := cmp.Diff([]float32{0, 1, 4, 5, 2, 3, 6, 7}, got.Floats()); diff != "" {
		t.Errorf("Patches falsch (-want +got):\n%s", diff)
	}
}

func TestNewInvalid(t *testing.T) {
	cases := []struct {
		name   string
		config string
		err    error
	}{
		{"ohne hidden_size", `{"model_type": "vit", "num_attention_heads": 2, "num_hidden_layers": 1}`, fs.ErrMissingOption},
		{"heads", `{"model_type": "vit", "hidden_size": 8, "num_attention_heads": 3, "num_hidden_layers": 1}`, fs.ErrInvalidOption},
		{"aktivierung", `{"model_type": "vit", "hidden_size": 8, "num_attention_heads": 2, "num_hidden_layers": 1, "hidden_act": "mish"}`, fs.ErrInvalidOption},
		{"block_type", `{"model_type": "vit", "hidden_size": 8, "num_attention_heads": 2, "num_hidden_layers": 1, "block_type": "x"}`, fs.ErrInvalidOption},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(modeltest.Config(t, tt.config))
			require.ErrorIs(t, err, tt.err)
		})
	}
}
