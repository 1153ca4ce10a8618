package vit

import (
	"errors"
	"fmt"

	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/ml/nn"
)

// ============================================================================
// Patch - Zerlegung des Bildes in Patches und Rueckweg zur Feature-Map
// ============================================================================
//
// Dieses Modul enthaelt:
// - PatchEmbedding: Patchify und lineare Projektion (entspricht Conv2D mit Stride = Patch-Groesse)
// - grid: prueft die Eingabe und berechnet das Patch-Raster
// - featureMap: formt die Patch-Token in eine raeumliche Feature-Map zurueck

var ErrPatchDivisibility = errors.New("image size is not divisible by patch size")

// PatchEmbedding projiziert jeden Patch [channels*patch*patch] auf hidden_size.
// Die Gewichte einer Conv2D [hidden, channels, patch, patch] werden dafuer
// beim Konvertieren auf [hidden, channels*patch*patch] abgeflacht.
type PatchEmbedding struct {
	*nn.Linear `weight:"projection"`
}

// Forward wandelt pixelValues [batch, channels, height, width] in [batch, patches, hidden]
func (pe *PatchEmbedding) Forward(ctx ml.Context, pixelValues ml.Tensor, patchSize int) ml.Tensor {
	batchSize, numChannels := pixelValues.Dim(0), pixelValues.Dim(1)
	gridHeight, gridWidth := pixelValues.Dim(2)/patchSize, pixelValues.Dim(3)/patchSize

	patches := pixelValues.Reshape(ctx, batchSize, numChannels, gridHeight, patchSize, gridWidth, patchSize)
	patches = patches.Permute(ctx, 0, 2, 4, 1, 3, 5)
	patches = patches.Reshape(ctx, batchSize, gridHeight*gridWidth, numChannels*patchSize*patchSize)
	return pe.Linear.Forward(ctx, patches)
}

// grid gibt die Anzahl der Patches pro Hoehe und Breite zurueck. Bilder,
// deren Seiten kein Vielfaches der Patch-Groesse sind, werden abgelehnt.
func (m *Model) grid(pixelValues ml.Tensor) (int, int, error) {
	shape := pixelValues.Shape()
	if len(shape) != 4 {
		return 0, 0, fmt.Errorf("%w: pixel_values must be [batch, channels, height, width], got %v", fs.ErrInvalidOption, shape)
	}

	if shape[1] != m.numChannels {
		return 0, 0, fmt.Errorf("%w: pixel_values has %d channels, num_channels is %d", fs.ErrInvalidOption, shape[1], m.numChannels)
	}

	height, width := shape[2], shape[3]
	if height%m.patchSize != 0 || width%m.patchSize != 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d with patch_size %d", ErrPatchDivisibility, height, width, m.patchSize)
	}

	return height / m.patchSize, width / m.patchSize, nil
}

// featureMap verwirft das CLS-Token und liefert [batch, hidden, grid_h, grid_w]
func (m *Model) featureMap(ctx ml.Context, hiddenStates ml.Tensor, gridHeight, gridWidth int) ml.Tensor {
	batchSize, seqLen := hiddenStates.Dim(0), hiddenStates.Dim(1)

	patches := hiddenStates.Slice(ctx, 1, 1, seqLen, 1)
	patches = patches.Reshape(ctx, batchSize, gridHeight, gridWidth, m.hiddenSize)
	return patches.Permute(ctx, 0, 3, 1, 2)
}
