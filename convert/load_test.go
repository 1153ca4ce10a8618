package convert

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/backend/cpu"
	"github.com/ollama/assembler/model"

	_ "github.com/ollama/assembler/model/models"
)

type checkpoint map[string][]int

func (ck checkpoint) linear(name string, out, in int, bias bool) {
	ck[name+".weight"] = []int{out, in}
	if bias {
		ck[name+".bias"] = []int{out}
	}
}

func (ck checkpoint) norm(name string, n int, bias bool) {
	ck[name+".weight"] = []int{n}
	if bias {
		ck[name+".bias"] = []int{n}
	}
}

func vitCheckpoint() checkpoint {
	ck := checkpoint{
		"vit.embeddings.cls_token":                        {1, 1, 8},
		"vit.embeddings.mask_token":                       {1, 1, 8},
		"vit.embeddings.position_embeddings":              {1, 5, 8},
		"vit.embeddings.patch_embeddings.projection.bias": {8},
	}
	ck["vit.embeddings.patch_embeddings.projection.weight"] = []int{8, 3, 4, 4}

	for _, p := range []string{"query", "key", "value"} {
		ck.linear("vit.encoder.layer.0.attention.attention."+p, 8, 8, true)
	}
	ck.linear("vit.encoder.layer.0.attention.output.dense", 8, 8, true)
	ck.linear("vit.encoder.layer.0.intermediate.dense", 16, 8, true)
	ck.linear("vit.encoder.layer.0.output.dense", 8, 16, true)
	ck.norm("vit.encoder.layer.0.layernorm_before", 8, true)
	ck.norm("vit.encoder.layer.0.layernorm_after", 8, true)
	ck.norm("vit.layernorm", 8, true)
	ck.linear("vit.pooler.dense", 8, 8, true)
	return ck
}

func bartCheckpoint() checkpoint {
	ck := checkpoint{
		"model.shared.weight":               {12, 8},
		"model.encoder.embed_tokens.weight": {12, 8},
		"model.decoder.embed_tokens.weight": {12, 8},
		"final_logits_bias":                 {1, 12},
	}

	for _, stack := range []string{"encoder", "decoder"} {
		prefix := "model." + stack
		ck[prefix+".embed_positions.weight"] = []int{18, 8}
		ck.norm(prefix+".layernorm_embedding", 8, true)

		attentions := []string{"self_attn"}
		if stack == "decoder" {
			attentions = append(attentions, "encoder_attn")
		}

		for _, a := range attentions {
			for _, p := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
				ck.linear(fmt.Sprintf("%s.layers.0.%s.%s", prefix, a, p), 8, 8, true)
			}
			ck.norm(fmt.Sprintf("%s.layers.0.%s_layer_norm", prefix, a), 8, true)
		}

		ck.linear(prefix+".layers.0.fc1", 16, 8, true)
		ck.linear(prefix+".layers.0.fc2", 8, 16, true)
		ck.norm(prefix+".layers.0.final_layer_norm", 8, true)
	}

	return ck
}

func t5Checkpoint() checkpoint {
	ck := checkpoint{
		"shared.weight":               {12, 8},
		"encoder.embed_tokens.weight": {12, 8},
		"decoder.embed_tokens.weight": {12, 8},
		"lm_head.weight":              {12, 8},
	}

	for _, stack := range []string{"encoder", "decoder"} {
		block := stack + ".block.0.layer"
		for _, p := range []string{"q", "k", "v", "o"} {
			ck.linear(block+".0.SelfAttention."+p, 8, 8, false)
		}
		ck[block+".0.SelfAttention.relative_attention_bias.weight"] = []int{8, 2}
		ck.norm(block+".0.layer_norm", 8, false)

		ffn := block + ".1"
		if stack == "decoder" {
			for _, p := range []string{"q", "k", "v", "o"} {
				ck.linear(block+".1.EncDecAttention."+p, 8, 8, false)
			}
			ck.norm(block+".1.layer_norm", 8, false)
			ffn = block + ".2"
		}

		ck.linear(ffn+".DenseReluDense.wi_0", 16, 8, false)
		ck.linear(ffn+".DenseReluDense.wi_1", 16, 8, false)
		ck.linear(ffn+".DenseReluDense.wo", 8, 16, false)
		ck.norm(ffn+".layer_norm", 8, false)
		ck.norm(stack+".final_layer_norm", 8, false)
	}

	return ck
}

func TestLoadModels(t *testing.T) {
	cases := []struct {
		name       string
		config     string
		checkpoint checkpoint
	}{
		{
			"vit",
			`{"model_type": "vit", "hidden_size": 8, "num_attention_heads": 2, "num_hidden_layers": 1,
				"intermediate_size": 16, "image_size": 8, "patch_size": 4, "add_pooling_layer": true}`,
			vitCheckpoint(),
		},
		{
			"bart",
			`{"model_type": "bart", "d_model": 8, "vocab_size": 12, "encoder_layers": 1, "decoder_layers": 1,
				"encoder_attention_heads": 2, "decoder_attention_heads": 2, "encoder_ffn_dim": 16,
				"decoder_ffn_dim": 16, "max_position_embeddings": 16}`,
			bartCheckpoint(),
		},
		{
			"t5",
			`{"model_type": "t5", "d_model": 8, "d_kv": 4, "d_ff": 16, "num_heads": 2, "num_layers": 1,
				"vocab_size": 12, "relative_attention_num_buckets": 8, "feed_forward_proj": "gated-gelu",
				"tie_word_embeddings": false}`,
			t5Checkpoint(),
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := config(t, tt.config)

			var ts []testTensor
			for _, name := range slices.Sorted(maps.Keys(tt.checkpoint)) {
				shape := tt.checkpoint[name]
				ts = append(ts, testTensor{name, "F32", shape, make([]float32, numel(shape))})
			}

			dir := t.TempDir()
			writeSafetensors(t, filepath.Join(dir, "model.safetensors"), ts...)

			weights, err := Load(dir, c)
			require.NoError(t, err)

			want, err := model.InitWeights(c, func(_ string, n int) []float32 { return make([]float32, n) })
			require.NoError(t, err)

			shapes := func(ws []ml.Weight) map[string][]int {
				m := make(map[string][]int, len(ws))
				for _, w := range ws {
					m[w.Name] = w.Shape
				}
				return m
			}

			if diff := cmp.Diff(shapes(want), shapes(weights)); diff != "" {
				t.Fatalf("Parameter passen nicht zum Modell (-want +got):\n%s", diff)
			}

			b, err := cpu.New(ml.BackendParams{Weights: weights})
			require.NoError(t, err)
			t.Cleanup(b.Close)

			_, err = model.New(c, b)
			require.NoError(t, err)
		})
	}
}
