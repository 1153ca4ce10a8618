// Package kvcache - Tensor-Operationen auf einem Cache-Eintrag
//
// Dieses Modul enthaelt:
// - Entry: Keys, Values und Padding-Maske eines Blocks
// - Append: haengt neue Keys/Values an den Praefix an (Self-Attention)
// - Store: legt den Encoder-Zustand einmalig ab (Cross-Attention)
package kvcache

import (
	"fmt"

	"github.com/ollama/assembler/ml"
)

// Entry speichert Key und Value als [batch, kv_heads, cached_len, head_dim]
// und die Padding-Maske der Keys als [batch, cached_len].
type Entry struct {
	Key, Value ml.Tensor
	Mask       ml.Tensor

	dtype     ml.DType
	maxLength int
}

func (e Entry) Empty() bool {
	return e.Key == nil || e.Value == nil
}

// Len ist die Anzahl gespeicherter Positionen
func (e Entry) Len() int {
	if e.Empty() {
		return 0
	}

	return e.Key.Dim(2)
}

func (e Entry) store(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if e.dtype == ml.DTypeOther || t.DType() == e.dtype {
		return t
	}

	return t.Cast(ctx, e.dtype)
}

// Append haengt key und value entlang der Sequenzachse an und liefert die
// vollstaendige Historie sowie den neuen Eintrag. mask ist die Padding-Maske
// der neuen Positionen und darf nil sein.
func (e Entry) Append(ctx ml.Context, key, value, mask ml.Tensor) (ml.Tensor, ml.Tensor, ml.Tensor, Entry) {
	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	key, value = e.store(ctx, key), e.store(ctx, value)

	if e.Empty() {
		e.Key, e.Value, e.Mask = key, value, mask
	} else {
		if batchSize := key.Dim(0); e.Key.Dim(0) != batchSize {
			panic(fmt.Errorf("inconsistent batch sizes (cache batch size: %v, batch size: %v)", e.Key.Dim(0), batchSize))
		}

		if e.Mask != nil || mask != nil {
			e.Mask = ones(ctx, e.Mask, key.Dim(0), e.Len()).Concat(ctx, ones(ctx, mask, key.Dim(0), key.Dim(2)), 1)
		}

		e.Key = e.Key.Concat(ctx, key, 2)
		e.Value = e.Value.Concat(ctx, value, 2)
	}

	if e.maxLength > 0 && e.Len() > e.maxLength {
		panic(fmt.Errorf("%w (cache: %v length: %v)", ErrCacheFull, e.maxLength, e.Len()))
	}

	return e.Key, e.Value, e.Mask, e
}

// Store legt den Encoder-Zustand ab. Ein bereits befuellter Eintrag bleibt
// unveraendert, da sich der Encoder-Output waehrend des Decodings nicht aendert.
func (e Entry) Store(ctx ml.Context, key, value, mask ml.Tensor) Entry {
	if !e.Empty() {
		return e
	}

	e.Key, e.Value, e.Mask = e.store(ctx, key), e.store(ctx, value), mask
	return e
}

func ones(ctx ml.Context, mask ml.Tensor, batchSize, length int) ml.Tensor {
	if mask != nil {
		return mask
	}

	s := make([]float32, batchSize*length)
	for i := range s {
		s[i] = 1
	}

	return ctx.FromFloats(s, batchSize, length)
}
