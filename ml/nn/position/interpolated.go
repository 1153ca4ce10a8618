package position

import (
	"fmt"
	"math"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

// Interpolated haelt Embeddings fuer numPrefix Sondertokens gefolgt von
// einem quadratischen Raster aus g*g Patches.
type Interpolated struct {
	Weight ml.Tensor `weight:"weight"`
}

// Grid gibt die Kantenlaenge des trainierten Rasters zurueck
func (m *Interpolated) Grid(numPrefix int) (int, error) {
	n := m.rows() - numPrefix
	g := int(math.Sqrt(float64(n)))
	if n <= 0 || g*g != n {
		return 0, fmt.Errorf("%w: %d position embeddings minus %d prefix tokens do not form a square grid", fs.ErrInvalidOption, m.rows(), numPrefix)
	}

	return g, nil
}

func (m *Interpolated) rows() int {
	shape := m.Weight.Shape()
	n := 1
	for _, d := range shape[:len(shape)-1] {
		n *= d
	}

	return n
}

// Forward liefert [1, numPrefix+height*width, hidden]. Die Prefix-Zeilen
// bleiben unskaliert, nur das Raster wird bikubisch auf height x width gebracht.
func (m *Interpolated) Forward(ctx ml.Context, numPrefix, height, width int) ml.Tensor {
	g, err := m.Grid(numPrefix)
	if err != nil {
		panic(err)
	}

	hiddenSize := m.Weight.Dim(-1)
	weight := m.Weight.Reshape(ctx, -1, hiddenSize)
	if g == height && g == width {
		return weight.Reshape(ctx, 1, -1, hiddenSize)
	}

	grid := weight.Slice(ctx, 0, numPrefix, numPrefix+g*g, 1)
	grid = grid.Reshape(ctx, g, g, hiddenSize).Permute(ctx, 2, 0, 1).Reshape(ctx, 1, hiddenSize, g, g)
	grid = grid.Interpolate(ctx, [4]int{1, hiddenSize, height, width}, ml.SamplingModeBicubic)
	grid = grid.Reshape(ctx, hiddenSize, height*width).Permute(ctx, 1, 0)

	if numPrefix > 0 {
		grid = weight.Slice(ctx, 0, 0, numPrefix, 1).Concat(ctx, grid, 0)
	}

	return grid.Reshape(ctx, 1, -1, hiddenSize)
}
