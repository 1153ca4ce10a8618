// Package modeltest - Hilfen fuer Tests der Modell-Architekturen
//
// Dieses Modul enthaelt:
// - Fill: deterministische Gewichte ohne Checkpoint
// - New: Modell aus einer JSON-Konfiguration mit Gewichten aus Fill
package modeltest

import (
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/backend/cpu"
	"github.com/ollama/assembler/model"
)

// Fill liefert reproduzierbare Werte in [-0.1, 0.1]; Norm-Gewichte liegen um 1
func Fill(name string, n int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	seed := float64(h.Sum32() % 1000)

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(0.1 * math.Sin(float64(i)*0.7+seed))
		if strings.HasSuffix(name, "norm.weight") {
			s[i] += 1
		}
	}

	return s
}

// Values liefert n reproduzierbare Eingabewerte in [-1, 1]
func Values(n, seed int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(math.Sin(float64(i*7 + seed*13 + 1)))
	}

	return s
}

// Config dekodiert eine JSON-Konfiguration
func Config(tb testing.TB, config string) fs.KV {
	tb.Helper()

	c, err := fs.Decode(strings.NewReader(config))
	if err != nil {
		tb.Fatal(err)
	}

	return c
}

// New baut ein Modell mit Gewichten aus Fill
func New(tb testing.TB, config string) (model.Model, ml.Context) {
	tb.Helper()

	c := Config(tb, config)
	weights, err := model.InitWeights(c, Fill)
	if err != nil {
		tb.Fatal(err)
	}

	b, err := cpu.New(ml.BackendParams{Weights: weights})
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(b.Close)

	m, err := model.New(c, b)
	if err != nil {
		tb.Fatal(err)
	}

	ctx := b.NewContext()
	tb.Cleanup(ctx.Close)
	return m, ctx
}
