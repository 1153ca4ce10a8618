// Package position - Positionskodierungen fuer Embeddings und Attention
//
// Dieses Modul enthaelt:
// - Learned: gelernte absolute Positionen, einmal vor dem Block-Stack addiert
// - Interpolated: gelernte Positionen mit bikubischer Anpassung an das Raster
// - RelativeBias: gebucketter relativer Attention-Bias (T5)
package position

import (
	"github.com/ollama/assembler/ml"
)

// Learned addiert eine Zeile der Embedding-Tabelle pro Position
type Learned struct {
	Weight ml.Tensor `weight:"weight"`

	// Offset wird auf jede Position addiert (BART reserviert die ersten zwei Zeilen)
	Offset int
}

// Forward addiert die Embeddings der positions [seq] oder [batch, seq] zu x [batch, seq, hidden]
func (m *Learned) Forward(ctx ml.Context, x, positions ml.Tensor) ml.Tensor {
	if m.Offset != 0 {
		positions = positions.Add(ctx, ctx.FromInts([]int32{int32(m.Offset)}, 1))
	}

	return x.Add(ctx, m.Weight.Rows(ctx, positions))
}
