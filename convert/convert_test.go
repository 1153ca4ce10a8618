package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	ofs "github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

type testTensor struct {
	name  string
	dtype string
	shape []int
	data  []float32
}

func encode(t *testing.T, tt testTensor) []byte {
	t.Helper()

	var b bytes.Buffer
	switch tt.dtype {
	case "F32":
		if err := binary.Write(&b, binary.LittleEndian, tt.data); err != nil {
			t.Fatal(err)
		}
	case "F16":
		for _, v := range tt.data {
			if err := binary.Write(&b, binary.LittleEndian, float16.Fromfloat32(v).Bits()); err != nil {
				t.Fatal(err)
			}
		}
	case "BF16":
		b.Write(bfloat16.EncodeFloat32(tt.data))
	default:
		b.Write(make([]byte, 4*len(tt.data)))
	}

	return b.Bytes()
}

func writeSafetensors(t *testing.T, p string, ts ...testTensor) {
	t.Helper()

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}

	var data bytes.Buffer
	for _, tt := range ts {
		begin := data.Len()
		data.Write(encode(t, tt))
		header[tt.name] = safetensorMetadata{Type: tt.dtype, Shape: tt.shape, Offsets: []int64{int64(begin), int64(data.Len())}}
	}

	bts, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}

	var f bytes.Buffer
	if err := binary.Write(&f, binary.LittleEndian, int64(len(bts))); err != nil {
		t.Fatal(err)
	}
	f.Write(bts)
	f.Write(data.Bytes())

	if err := os.WriteFile(p, f.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func config(t *testing.T, s string) ofs.KV {
	t.Helper()

	kv, err := ofs.Decode(strings.NewReader(s))
	if err != nil {
		t.Fatal(err)
	}

	return kv
}

func byName(ws []ml.Weight) map[string]ml.Weight {
	m := make(map[string]ml.Weight, len(ws))
	for _, w := range ws {
		m[w.Name] = w
	}

	return m
}

func TestLoadDTypes(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		testTensor{"a", "F32", []int{2, 2}, []float32{1, -2, 0.1, 3.5}},
		testTensor{"b", "F16", []int{3}, []float32{0.5, -0.25, 8}},
		testTensor{"c", "BF16", []int{1, 2}, []float32{1.5, -64}},
	)

	ws, err := Load(dir, config(t, `{"model_type": "custom"}`))
	require.NoError(t, err)

	got := byName(ws)
	require.Len(t, got, 3)

	if diff := cmp.Diff([]float32{1, -2, 0.1, 3.5}, got["a"].Data); diff != "" {
		t.Errorf("F32 falsch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{0.5, -0.25, 8}, got["b"].Data); diff != "" {
		t.Errorf("F16 falsch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1.5, -64}, got["c"].Data); diff != "" {
		t.Errorf("BF16 falsch (-want +got):\n%s", diff)
	}

	require.Equal(t, ml.DTypeF16, got["b"].DType)
	require.Equal(t, ml.DTypeBF16, got["c"].DType)
	require.Equal(t, []int{1, 2}, got["c"].Shape)
}

func TestLoadShards(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model-00001-of-00002.safetensors"),
		testTensor{"a", "F32", []int{1}, []float32{1}},
	)
	writeSafetensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"),
		testTensor{"b", "F32", []int{1}, []float32{2}},
	)

	ts, err := Parse(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names(ts))

	writeSafetensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"),
		testTensor{"a", "F32", []int{1}, []float32{2}},
	)

	_, err = Parse(dir)
	require.ErrorContains(t, err, "duplicate tensor name")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(t.TempDir())
	require.ErrorIs(t, err, ErrUnknownFormat)

	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		testTensor{"ids", "I64", []int{2}, []float32{0, 0}},
	)

	_, err = Parse(dir)
	require.ErrorContains(t, err, "unsupported dtype")
}

func names(ts []Tensor) []string {
	var s []string
	for _, t := range ts {
		s = append(s, t.Name())
	}

	slices.Sort(s)
	return s
}

func TestRename(t *testing.T) {
	cases := []struct {
		config string
		from   string
		want   string
	}{
		{`{"model_type": "vit"}`, "vit.embeddings.cls_token", "embeddings.cls_token"},
		{`{"model_type": "vit"}`, "vit.encoder.layer.3.attention.attention.query.weight", "encoder.blocks.3.self_attention.query.weight"},
		{`{"model_type": "vit"}`, "vit.encoder.layer.3.attention.output.dense.bias", "encoder.blocks.3.self_attention.output.bias"},
		{`{"model_type": "vit"}`, "vit.encoder.layer.3.output.dense.weight", "encoder.blocks.3.ffn.output.weight"},
		{`{"model_type": "vit"}`, "vit.encoder.layer.0.layernorm_after.weight", "encoder.blocks.0.output_norm.weight"},
		{`{"model_type": "vit"}`, "vit.layernorm.bias", "norm.bias"},
		{`{"model_type": "vit"}`, "vit.pooler.dense.weight", "pooler.weight"},
		{`{"model_type": "dinov2"}`, "dinov2.encoder.layer.1.layer_scale2.lambda1", "encoder.blocks.1.ffn_scale"},
		{`{"model_type": "dinov2"}`, "dinov2.encoder.layer.1.mlp.weights_in.weight", "encoder.blocks.1.ffn.intermediate.weight"},
		{`{"model_type": "dinov2"}`, "dinov2.encoder.layer.1.norm1.weight", "encoder.blocks.1.self_attention_norm.weight"},
		{`{"model_type": "bart"}`, "model.decoder.layers.1.encoder_attn.k_proj.weight", "decoder.blocks.1.cross_attention.key.weight"},
		{`{"model_type": "bart"}`, "model.decoder.layers.1.encoder_attn_layer_norm.bias", "decoder.blocks.1.cross_attention_norm.bias"},
		{`{"model_type": "bart"}`, "model.encoder.layers.0.self_attn.out_proj.weight", "encoder.blocks.0.self_attention.output.weight"},
		{`{"model_type": "bart"}`, "model.encoder.layers.0.final_layer_norm.weight", "encoder.blocks.0.output_norm.weight"},
		{`{"model_type": "bart"}`, "model.encoder.layernorm_embedding.weight", "encoder.layernorm_embedding.weight"},
		{`{"model_type": "bart"}`, "model.shared.weight", "shared.weight"},
		{`{"model_type": "t5"}`, "encoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight", "encoder.blocks.0.self_attention.relative_bias.weight"},
		{`{"model_type": "t5"}`, "decoder.block.2.layer.1.EncDecAttention.o.weight", "decoder.blocks.2.cross_attention.output.weight"},
		{`{"model_type": "t5"}`, "decoder.block.2.layer.2.DenseReluDense.wo.weight", "decoder.blocks.2.ffn.output.weight"},
		{`{"model_type": "t5"}`, "encoder.block.1.layer.1.layer_norm.weight", "encoder.blocks.1.output_norm.weight"},
		{`{"model_type": "t5", "feed_forward_proj": "gated-gelu"}`, "encoder.block.1.layer.1.DenseReluDense.wi_0.weight", "encoder.blocks.1.ffn.gate.weight"},
		{`{"model_type": "t5", "feed_forward_proj": "gated-gelu"}`, "decoder.block.0.layer.2.DenseReluDense.wo.weight", "decoder.blocks.0.ffn.down.weight"},
		{`{"model_type": "t5"}`, "decoder.final_layer_norm.weight", "decoder.final_norm.weight"},
		{`{"model_type": "custom"}`, "some.tensor", "some.tensor"},
	}

	for _, tt := range cases {
		t.Run(tt.from, func(t *testing.T) {
			got, ok := Rename(config(t, tt.config), tt.from)
			require.True(t, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRenameDropped(t *testing.T) {
	for _, tt := range []struct{ config, name string }{
		{`{"model_type": "vit"}`, "vit.embeddings.mask_token"},
		{`{"model_type": "bart"}`, "model.encoder.embed_tokens.weight"},
		{`{"model_type": "t5"}`, "decoder.embed_tokens.weight"},
	} {
		_, ok := Rename(config(t, tt.config), tt.name)
		require.False(t, ok, tt.name)
	}
}

func TestLoadReshape(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		testTensor{"vit.embeddings.position_embeddings", "F32", []int{1, 3, 2}, make([]float32, 6)},
		testTensor{"vit.embeddings.patch_embeddings.projection.weight", "F32", []int{2, 3, 2, 2}, make([]float32, 24)},
		testTensor{"vit.embeddings.mask_token", "F32", []int{1, 1, 2}, make([]float32, 2)},
	)

	ws, err := Load(dir, config(t, `{"model_type": "vit"}`))
	require.NoError(t, err)

	got := byName(ws)
	require.Len(t, got, 2)
	require.Equal(t, []int{3, 2}, got["embeddings.position_embeddings.weight"].Shape)
	require.Equal(t, []int{2, 12}, got["embeddings.patch_embeddings.projection.weight"].Shape)
}

func TestLoadDuplicateMapping(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		testTensor{"vit.layernorm.weight", "F32", []int{2}, []float32{1, 1}},
		testTensor{"layernorm.weight", "F32", []int{2}, []float32{1, 1}},
	)

	_, err := Load(dir, config(t, `{"model_type": "vit"}`))
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestDeinterleave(t *testing.T) {
	repack := deinterleave(func(string) int { return 2 })

	// zwei Koepfe mit head_dim 4, je Zeile zwei Spalten
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}

	got, err := repack("q", data, []int{8, 2})
	require.NoError(t, err)

	want := []float32{
		0, 1, 4, 5, 2, 3, 6, 7,
		8, 9, 12, 13, 10, 11, 14, 15,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("deinterleave falsch (-want +got):\n%s", diff)
	}

	got, err = repack("q.bias", []float32{0, 1, 2, 3, 4, 5, 6, 7}, []int{8})
	require.NoError(t, err)
	require.Equal(t, []float32{0, 2, 1, 3, 4, 6, 5, 7}, got)

	_, err = repack("q", make([]float32, 6), []int{6})
	require.Error(t, err)
}

func TestLoadRotaryInterleaved(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		testTensor{"model.decoder.layers.0.self_attn.q_proj.weight", "F32", []int{4, 1}, []float32{0, 1, 2, 3}},
		testTensor{"model.decoder.layers.0.self_attn.v_proj.weight", "F32", []int{4, 1}, []float32{0, 1, 2, 3}},
		testTensor{"model.decoder.layers.0.encoder_attn.q_proj.weight", "F32", []int{4, 1}, []float32{0, 1, 2, 3}},
	)

	ws, err := Load(dir, config(t, `{"model_type": "bart", "decoder_attention_heads": 1, "rotary_interleaved": true}`))
	require.NoError(t, err)

	got := byName(ws)
	require.Equal(t, []float32{0, 2, 1, 3}, got["decoder.blocks.0.self_attention.query.weight"].Data)
	require.Equal(t, []float32{0, 1, 2, 3}, got["decoder.blocks.0.self_attention.value.weight"].Data)
	require.Equal(t, []float32{0, 1, 2, 3}, got["decoder.blocks.0.cross_attention.query.weight"].Data)
}
