// Package kvcache - Aufbau der Attention-Maske
//
// Dieses Modul enthaelt:
// - Mask: kombiniert Padding und Kausalitaet zu einem additiven Bias
// - MaskValue: der endliche Wert fuer verbotene Positionen
package kvcache

import (
	"fmt"
	"math"

	"github.com/ollama/assembler/ml"
)

// MaskValue ist endlich, damit auch eine vollstaendig maskierte Zeile eine
// definierte (gleichverteilte) Softmax ergibt.
const MaskValue = -math.MaxFloat32

// Mask baut einen Bias der Form [batch, 1, queries, keys] mit 0 fuer erlaubte
// und MaskValue fuer verbotene Positionen. padding ist [batch, keys] oder nil.
// Bei causal darf Query i nur Keys j <= offset+i sehen. Ohne Padding und
// ohne Kausalitaet ist das Ergebnis nil.
func Mask(ctx ml.Context, padding ml.Tensor, batchSize, queries, keys, offset int, causal bool) ml.Tensor {
	if padding == nil && !causal {
		return nil
	}

	var pad []float32
	if padding != nil {
		if padding.Dim(1) != keys {
			panic(fmt.Errorf("attention mask length %v does not match key length %v", padding.Dim(1), keys))
		}

		batchSize = padding.Dim(0)
		pad = padding.Floats()
	}

	mask := make([]float32, batchSize*queries*keys)
	for b := range batchSize {
		for i := range queries {
			row := mask[(b*queries+i)*keys : (b*queries+i+1)*keys]
			for j := range row {
				if (pad != nil && pad[b*keys+j] == 0) || (causal && j > offset+i) {
					row[j] = MaskValue
				}
			}
		}
	}

	return ctx.FromFloats(mask, batchSize, 1, queries, keys)
}
