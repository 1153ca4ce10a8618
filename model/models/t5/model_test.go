package t5

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
	"github.com/ollama/assembler/model"
	"github.com/ollama/assembler/model/modeltest"
)

const vocabSize = 12

var approx = cmpopts.EquateApprox(0, 1e-4)

func config(extra ...string) string {
	fields := append([]string{
		`"model_type": "t5"`,
		`"d_model": 8`,
		`"d_kv": 4`,
		`"d_ff": 16`,
		`"num_heads": 2`,
		`"num_layers": 2`,
		`"vocab_size": 12`,
		`"relative_attention_num_buckets": 8`,
		`"relative_attention_max_distance": 16`,
		`"feed_forward_proj": "gated-gelu"`,
	}, extra...)

	return "{" + strings.Join(fields, ", ") + "}"
}

func ids(ctx ml.Context, s ...int32) ml.Tensor {
	return ctx.FromInts(s, 1, len(s))
}

func forward(t *testing.T, m model.Model, ctx ml.Context, in model.Inputs) model.Outputs {
	t.Helper()

	out, err := model.Forward(ctx, m, in)
	if err != nil {
		t.Fatal(err)
	}

	return out
}

func TestForward(t *testing.T) {
	m, ctx := modeltest.New(t, config(`"output_attentions": true`, `"output_hidden_states": true`))

	out := forward(t, m, ctx, model.Inputs{Values: map[string]ml.Tensor{
		model.InputIDs:        ids(ctx, 3, 5, 7, 9),
		model.DecoderInputIDs: ids(ctx, 0, 3),
	}})

	require.Equal(t, []int{1, 2, vocabSize}, out.Tensor(model.Logits).Shape())
	require.Equal(t, []int{1, 4, 8}, out.Tensor(model.EncoderOutput).Shape())
	require.Len(t, out.Tensors(model.HiddenStates), 3)
	require.Len(t, out.Tensors(model.Attentions), 2)
	require.Len(t, out.Tensors(model.CrossAttentions), 2)
	require.Equal(t, []int{1, 2, 2, 4}, out.Tensors(model.CrossAttentions)[0].Shape())
}

func TestSharedRelativeBias(t *testing.T) {
	m, _ := modeltest.New(t, config())
	t5 := m.(*Model)

	for _, s := range []*Stack{t5.Encoder, t5.Decoder} {
		require.NotNil(t, s.Blocks[0].SelfAttention.RelativeBias)
		require.Nil(t, s.Blocks[1].SelfAttention.RelativeBias)
	}

	require.Nil(t, t5.Encoder.Blocks[0].CrossAttention, "Encoder-Bloecke haben keine Cross-Attention")
	require.NotNil(t, t5.Decoder.Blocks[0].CrossAttention)
	require.Nil(t, t5.Decoder.Blocks[0].CrossAttention.RelativeBias)
	require.NotNil(t, t5.Options, "Optionen muessen das Befuellen ueberstehen")

	require.True(t, t5.encoderOptions.SelfAttention.Relative.Bidirectional)
	require.False(t, t5.decoderOptions.SelfAttention.Relative.Bidirectional)
	require.IsType(t, &nn.GatedMLP{}, t5.Encoder.Blocks[0].FeedForward)
	require.IsType(t, &nn.RMSNorm{}, t5.Decoder.Blocks[1].CrossAttentionNorm)

	m, _ = modeltest.New(t, config(`"model_type": "umt5"`))
	t5 = m.(*Model)
	require.NotNil(t, t5.Decoder.Blocks[1].SelfAttention.RelativeBias)
	require.False(t, t5.decoderOptions.ShareRelativeBias)
}

func TestIncrementalDecode(t *testing.T) {
	cases := []struct {
		name   string
		config string
	}{
		{"gated", config()},
		{"relu", config(`"feed_forward_proj": "relu"`, `"num_decoder_layers": 3`)},
		{"umt5", config(`"model_type": "umt5"`)},
	}

	encoderIDs := []int32{3, 5, 7, 9}
	decoderIDs := []int32{0, 3, 5, 7, 2}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			m, ctx := modeltest.New(t, tt.config)

			full := forward(t, m, ctx, model.Inputs{Values: map[string]ml.Tensor{
				model.InputIDs:        ids(ctx, encoderIDs...),
				model.DecoderInputIDs: ids(ctx, decoderIDs...),
			}}).Tensor(model.Logits).Floats()

			cache, err := model.InitCache(m, 1, 8, len(encoderIDs))
			require.NoError(t, err)

			var crossKey ml.Tensor
			for i, id := range decoderIDs {
				values := map[string]ml.Tensor{model.DecoderInputIDs: ids(ctx, id)}
				if i == 0 {
					values[model.InputIDs] = ids(ctx, encoderIDs...)
				}

				out := forward(t, m, ctx, model.Inputs{Values: values, Cache: cache})
				if i > 0 {
					require.Nil(t, out[model.EncoderOutput], "Encoder darf nur im ersten Schritt laufen")
				}

				got := out.Tensor(model.Logits).Floats()
				if diff := cmp.Diff(full[i*vocabSize:(i+1)*vocabSize], got, approx); diff != "" {
					t.Fatalf("Schritt %d weicht ab (-want +got):\n%s", i, diff)
				}

				cache = out.Cache()
				if crossKey == nil {
					crossKey = cache.Block(0).Cross.Key
				} else if cache.Block(0).Cross.Key != crossKey {
					t.Fatalf("Schritt %d: Cross-Cache wurde neu berechnet", i)
				}
			}

			require.Equal(t, len(decoderIDs), cache.Offset())
			require.Equal(t, len(decoderIDs), cache.Block(0).Self.Len())
		})
	}
}

func TestTiedLogits(t *testing.T) {
	m, ctx := modeltest.New(t, config())
	t5 := m.(*Model)

	out := forward(t, m, ctx, model.Inputs{Values: map[string]ml.Tensor{
		model.InputIDs:        ids(ctx, 3, 5),
		model.DecoderInputIDs: ids(ctx, 0, 3, 5),
	}})

	want := out.Tensor(model.HiddenState).Scale(ctx, 1/math.Sqrt(8)).MatmulT(ctx, t5.Embedding.Weight)
	if diff := cmp.Diff(want.Floats(), out.Tensor(model.Logits).Floats(), approx); diff != "" {
		t.Errorf("Logits falsch (-want +got):\n%s", diff)
	}

	m, ctx = modeltest.New(t, config(`"tie_word_embeddings": false`))
	t5 = m.(*Model)
	require.NotSame(t, t5.Embedding.Weight, t5.LMHead.Weight)

	out = forward(t, m, ctx, model.Inputs{Values: map[string]ml.Tensor{
		model.InputIDs:        ids(ctx, 3, 5),
		model.DecoderInputIDs: ids(ctx, 0, 3, 5),
	}})

	want = out.Tensor(model.HiddenState).MatmulT(ctx, t5.LMHead.Weight)
	if diff := cmp.Diff(want.Floats(), out.Tensor(model.Logits).Floats(), approx); diff != "" {
		t.Errorf("Logits ohne Tying falsch (-want +got):\n%s", diff)
	}
}

func TestEncoderPadding(t *testing.T) {
	m, ctx := modeltest.New(t, config())
	mask := ctx.FromFloats([]float32{1, 1, 1, 0}, 1, 4)

	logits := func(last int32) []float32 {
		return forward(t, m, ctx, model.Inputs{Values: map[string]ml.Tensor{
			model.InputIDs:        ids(ctx, 3, 5, 7, last),
			model.AttentionMask:   mask,
			model.DecoderInputIDs: ids(ctx, 0, 3),
		}}).Tensor(model.Logits).Floats()
	}

	if diff := cmp.Diff(logits(9), logits(1), approx); diff != "" {
		t.Errorf("maskiertes Token beeinflusst den Decoder (-want +got):\n%s", diff)
	}
}

func TestNewInvalid(t *testing.T) {
	cases := []struct {
		name   string
		config string
		err    error
	}{
		{"ohne d_kv", `{"model_type": "t5", "d_model": 8, "num_heads": 2, "num_layers": 1, "vocab_size": 4}`, fs.ErrMissingOption},
		{"ffn", config(`"feed_forward_proj": "gated-mish"`), fs.ErrInvalidOption},
		{"buckets", config(`"relative_attention_num_buckets": 2`), fs.ErrInvalidOption},
		{"decoder", config(`"num_decoder_layers": 0`), fs.ErrInvalidOption},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(modeltest.Config(t, tt.config))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseFeedForward(t *testing.T) {
	cases := []struct {
		proj string
		want nn.FeedForward
	}{
		{"relu", &nn.MLP{Activation: nn.ActivationReLU}},
		{"gated-gelu", &nn.GatedMLP{Activation: nn.ActivationGELUTanh}},
		{"gated-silu", &nn.GatedMLP{Activation: nn.ActivationSILU}},
	}

	for _, tt := range cases {
		t.Run(tt.proj, func(t *testing.T) {
			f, err := parseFeedForward(tt.proj)
			require.NoError(t, err)
			require.Equal(t, tt.want, f())
		})
	}
}
