// convert_types.go - Basis-Typen fuer das Einlesen von Checkpoints
// Haupttypen: Tensor, tensorBase, repacker
package convert

import (
	"github.com/ollama/assembler/ml"
)

// Tensor ist ein Parameter eines Checkpoints. Read dekodiert die Daten erst
// beim Aufruf, damit Shards parallel gelesen werden koennen.
type Tensor interface {
	Name() string
	Shape() []int
	DType() ml.DType
	Read() ([]float32, error)
}

// repacker ordnet die Werte eines Tensors um, etwa fuer ein anderes Rotary-Layout
type repacker func(name string, data []float32, shape []int) ([]float32, error)

type tensorBase struct {
	name  string
	shape []int
	dtype ml.DType
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []int {
	return t.shape
}

func (t tensorBase) DType() ml.DType {
	return t.dtype
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}
