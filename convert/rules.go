// rules.go - Umbenennung von HF-Parameternamen in die Namen der Modelle
// Hauptfunktionen: rulesFor, Rename, rules.apply
package convert

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"

	ofs "github.com/ollama/assembler/fs"
)

// rule ersetzt alle Treffer von re durch replacement. Regeln werden
// nacheinander auf den jeweils bereits umbenannten Namen angewendet.
type rule struct {
	re          *regexp2.Regexp
	replacement string

	drop    bool
	reshape func(shape []int) []int
	repack  repacker
}

func replace(pattern, replacement string) rule {
	return rule{re: regexp2.MustCompile(pattern, regexp2.None), replacement: replacement}
}

func drop(pattern string) rule {
	return rule{re: regexp2.MustCompile(pattern, regexp2.None), drop: true}
}

func (r rule) withReshape(fn func([]int) []int) rule {
	r.reshape = fn
	return r
}

func (r rule) withRepack(fn repacker) rule {
	r.repack = fn
	return r
}

type rules []rule

// mapping ist das Ergebnis der Regeln fuer einen Tensor
type mapping struct {
	name      string
	shape     []int
	repackers []repacker
}

// apply benennt name um. ok ist false, wenn der Tensor verworfen wird.
func (rs rules) apply(name string, shape []int) (m mapping, ok bool, err error) {
	m = mapping{name: name, shape: shape}
	for _, r := range rs {
		matched, err := r.re.MatchString(m.name)
		if err != nil {
			return m, false, fmt.Errorf("%s: %w", name, err)
		}

		if !matched {
			continue
		}

		if r.drop {
			return m, false, nil
		}

		if m.name, err = r.re.Replace(m.name, r.replacement, -1, -1); err != nil {
			return m, false, fmt.Errorf("%s: %w", name, err)
		}

		if r.reshape != nil {
			m.shape = r.reshape(m.shape)
		}

		if r.repack != nil {
			m.repackers = append(m.repackers, r.repack)
		}
	}

	return m, true, nil
}

// Rename gibt den Namen zurueck, unter dem das Modell den Checkpoint-Tensor
// erwartet, oder false, wenn der Tensor nicht verwendet wird
func Rename(c ofs.Config, name string) (string, bool) {
	m, ok, err := rulesFor(c).apply(name, nil)
	if err != nil {
		return name, false
	}

	return m.name, ok
}

// rulesFor waehlt die Regeln nach der Architektur. Unbekannte Architekturen
// werden ohne Umbenennung geladen.
func rulesFor(c ofs.Config) rules {
	switch c.Architecture() {
	case "vit", "dinov2":
		return vitRules()
	case "bart", "mbart":
		return bartRules(c)
	case "t5", "umt5":
		return t5Rules(c)
	default:
		return nil
	}
}

func vitRules() rules {
	return rules{
		replace(`^(vit|dinov2)\.`, ""),
		drop(`^embeddings\.mask_token$`),
		replace(`^embeddings\.position_embeddings$`, "embeddings.position_embeddings.weight").withReshape(func(shape []int) []int {
			// [1, positions, hidden] -> [positions, hidden]
			if len(shape) == 3 {
				return shape[1:]
			}
			return shape
		}),
		replace(`^embeddings\.patch_embeddings\.projection\.weight$`, "embeddings.patch_embeddings.projection.weight").withReshape(func(shape []int) []int {
			// Conv2D [hidden, channels, patch, patch] -> [hidden, channels*patch*patch]
			if len(shape) == 4 {
				return []int{shape[0], shape[1] * shape[2] * shape[3]}
			}
			return shape
		}),
		replace(`^encoder\.layer\.(\d+)\.`, "encoder.blocks.$1."),
		replace(`\.attention\.attention\.(query|key|value)\.`, ".self_attention.$1."),
		replace(`\.attention\.output\.dense\.`, ".self_attention.output."),
		replace(`\.(layernorm_before|norm1)\.`, ".self_attention_norm."),
		replace(`\.(layernorm_after|norm2)\.`, ".output_norm."),
		replace(`\.intermediate\.dense\.`, ".ffn.intermediate."),
		replace(`(?<=blocks\.\d+)\.output\.dense\.`, ".ffn.output."),
		replace(`\.mlp\.(fc1|weights_in)\.`, ".ffn.intermediate."),
		replace(`\.mlp\.(fc2|weights_out)\.`, ".ffn.output."),
		replace(`\.layer_scale1\.lambda1$`, ".self_attention_scale"),
		replace(`\.layer_scale2\.lambda1$`, ".ffn_scale"),
		replace(`^layernorm\.`, "norm."),
		replace(`^pooler\.dense\.`, "pooler."),
	}
}

func bartRules(c ofs.Config) rules {
	rs := rules{
		replace(`^model\.`, ""),
		drop(`^(encoder|decoder)\.embed_tokens\.weight$`),
		replace(`^(encoder|decoder)\.layers\.(\d+)\.`, "$1.blocks.$2."),
		replace(`\.self_attn_layer_norm\.`, ".self_attention_norm."),
		replace(`\.encoder_attn_layer_norm\.`, ".cross_attention_norm."),
		replace(`\.self_attn\.`, ".self_attention."),
		replace(`\.encoder_attn\.`, ".cross_attention."),
		replace(`\.q_proj\.`, ".query."),
		replace(`\.k_proj\.`, ".key."),
		replace(`\.v_proj\.`, ".value."),
		replace(`\.out_proj\.`, ".output."),
		replace(`\.fc1\.`, ".ffn.intermediate."),
		replace(`\.fc2\.`, ".ffn.output."),
		replace(`(?<=blocks\.\d+)\.final_layer_norm\.`, ".output_norm."),
	}

	if c.Bool("rotary_interleaved") {
		heads := func(name string) int {
			stack, _, _ := strings.Cut(name, ".")
			numHeads := int(c.Uint(stack + "_attention_heads"))
			if strings.Contains(name, ".key.") {
				return int(c.Uint("num_key_value_heads", uint32(numHeads)))
			}

			return numHeads
		}

		rs = append(rs, replace(`\.self_attention\.(query|key)\.`, ".self_attention.$1.").withRepack(deinterleave(heads)))
	}

	return rs
}

func t5Rules(c ofs.Config) rules {
	ffnOutput := ".ffn.output."
	if strings.HasPrefix(c.String("feed_forward_proj", "relu"), "gated-") {
		ffnOutput = ".ffn.down."
	}

	return rules{
		drop(`^(encoder|decoder)\.embed_tokens\.weight$`),
		replace(`^(encoder|decoder)\.block\.(\d+)\.`, "$1.blocks.$2."),
		replace(`^(encoder|decoder)\.final_layer_norm\.`, "$1.final_norm."),
		replace(`\.layer\.0\.SelfAttention\.`, ".self_attention."),
		replace(`\.layer\.0\.layer_norm\.`, ".self_attention_norm."),
		replace(`^(decoder\.blocks\.\d+)\.layer\.1\.EncDecAttention\.`, "$1.cross_attention."),
		replace(`^(decoder\.blocks\.\d+)\.layer\.1\.layer_norm\.`, "$1.cross_attention_norm."),
		replace(`^(decoder\.blocks\.\d+)\.layer\.2\.`, "$1.layer.1."),
		replace(`\.layer\.1\.DenseReluDense\.`, ".ffn."),
		replace(`\.layer\.1\.layer_norm\.`, ".output_norm."),
		replace(`\.relative_attention_bias\.`, ".relative_bias."),
		replace(`_attention\.q\.`, "_attention.query."),
		replace(`_attention\.k\.`, "_attention.key."),
		replace(`_attention\.v\.`, "_attention.value."),
		replace(`_attention\.o\.`, "_attention.output."),
		replace(`\.ffn\.wi\.`, ".ffn.intermediate."),
		replace(`\.ffn\.wi_0\.`, ".ffn.gate."),
		replace(`\.ffn\.wi_1\.`, ".ffn.up."),
		replace(`\.ffn\.wo\.`, ffnOutput),
	}
}
