// cmd_utils.go - Gemeinsame Hilfsfunktionen
// Hauptfunktionen: loadModel, randomInputs, randomWeights, newTable
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/assembler/convert"
	"github.com/ollama/assembler/envconfig"
	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/model"
)

// session - Ein assembliertes Modell mit seinem Backend
type session struct {
	config  fs.KV
	backend ml.Backend
	model   model.Model
}

func (s *session) Close() {
	s.backend.Close()
}

// loadModel - Baut ein Modell aus einer config.json oder einem
// Checkpoint-Verzeichnis. Ohne Checkpoint werden zufaellige Gewichte verwendet.
func loadModel(args []string, overrides map[string]any) (*session, error) {
	configPath, checkpoint := args[0], ""
	if len(args) > 1 {
		checkpoint = args[1]
	}

	if fi, err := os.Stat(configPath); err != nil {
		return nil, err
	} else if fi.IsDir() {
		if checkpoint == "" {
			checkpoint = configPath
		}
		configPath = filepath.Join(configPath, "config.json")
	}

	c, err := fs.Load(configPath)
	if err != nil {
		return nil, err
	}
	maps.Copy(c, overrides)

	var weights []ml.Weight
	if checkpoint != "" {
		weights, err = convert.Load(checkpoint, c)
	} else {
		slog.Info("no checkpoint given, using random weights", "architecture", c.Architecture())
		weights, err = model.InitWeights(c, randomWeights)
	}
	if err != nil {
		return nil, err
	}

	b, err := ml.NewBackend(envconfig.Backend(), ml.BackendParams{
		NumThreads: envconfig.NumThreads(),
		Weights:    weights,
	})
	if err != nil {
		return nil, err
	}

	m, err := model.New(c, b)
	if err != nil {
		b.Close()
		return nil, err
	}

	return &session{config: c, backend: b, model: m}, nil
}

// randomWeights - Normalverteilte Gewichte; Norm-Gewichte sind 1
func randomWeights(name string, n int) []float32 {
	s := make([]float32, n)
	if strings.HasSuffix(name, "norm.weight") {
		for i := range s {
			s[i] = 1
		}
		return s
	}

	dist := distuv.Normal{Mu: 0, Sigma: 0.02}
	for i := range s {
		s[i] = float32(dist.Rand())
	}

	return s
}

// randomIDs - n gleichverteilte Token-IDs in [0, vocabSize)
func randomIDs(vocabSize, n int) []int32 {
	dist := distuv.Uniform{Min: 0, Max: float64(vocabSize)}
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = min(int32(dist.Rand()), int32(vocabSize-1))
	}

	return ids
}

// randomInputs - Zufaellige Eingaben passend zur Architektur: Token-IDs fuer
// Encoder-Decoder Modelle, sonst Pixelwerte
func randomInputs(cmd *cobra.Command, ctx ml.Context, s *session) (model.Inputs, error) {
	batchSize, err := cmd.Flags().GetInt("batch")
	if err != nil {
		return model.Inputs{}, err
	}

	seqLen, err := cmd.Flags().GetInt("seq")
	if err != nil {
		return model.Inputs{}, err
	}

	if batchSize < 1 || seqLen < 1 {
		return model.Inputs{}, errors.New("--batch and --seq must be positive")
	}

	values := make(map[string]ml.Tensor)
	if _, ok := s.model.(model.Decoder); ok {
		vocabSize := int(s.config.Uint("vocab_size"))
		values[model.InputIDs] = ctx.FromInts(randomIDs(vocabSize, batchSize*seqLen), batchSize, seqLen)
		values[model.DecoderInputIDs] = ctx.FromInts(randomIDs(vocabSize, batchSize*seqLen), batchSize, seqLen)
	} else {
		channels := int(s.config.Uint("num_channels", 3))
		size := int(s.config.Uint("image_size", 224))

		dist := distuv.Normal{Mu: 0, Sigma: 1}
		pixels := make([]float32, batchSize*channels*size*size)
		for i := range pixels {
			pixels[i] = float32(dist.Rand())
		}

		values[model.PixelValues] = ctx.FromFloats(pixels, batchSize, channels, size, size)
	}

	return model.Inputs{Values: values}, nil
}

// newTable - Tabelle im Stil der uebrigen Ausgaben
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	return table
}

func shapeString(shape []int) string {
	return strings.Trim(fmt.Sprint(shape), "[]")
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}
