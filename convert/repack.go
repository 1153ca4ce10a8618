// repack.go - Umordnen von Gewichten beim Laden
// Hauptfunktionen: deinterleave
package convert

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// deinterleave ordnet die Zeilen von Query/Key-Gewichten [heads*head_dim, in]
// vom paarweisen Rotary-Layout (GPT-J) in das Layout mit zwei Haelften (NeoX) um
func deinterleave(heads func(name string) int) repacker {
	return func(name string, data []float32, shape []int) ([]float32, error) {
		numHeads := heads(name)

		rows, cols := shape[0], 1
		if len(shape) == 2 {
			cols = shape[1]
		}

		if numHeads <= 0 || rows%(2*numHeads) != 0 {
			return nil, fmt.Errorf("%s: %d rows cannot be split into %d heads of even size", name, rows, numHeads)
		}

		n := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))

		// [heads, pair, 2, in] -> [heads, 2, pair, in]
		if err := n.Reshape(numHeads, rows/numHeads/2, 2, cols); err != nil {
			return nil, err
		}

		if err := n.T(0, 2, 1, 3); err != nil {
			return nil, err
		}

		if err := n.Transpose(); err != nil {
			return nil, err
		}

		if err := n.Reshape(rows * cols); err != nil {
			return nil, err
		}

		return native.VectorF32(n)
	}
}
