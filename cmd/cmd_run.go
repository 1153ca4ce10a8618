// cmd_run.go - Run Command Handler
// Hauptfunktionen: RunHandler, checkDecode, printOutputs
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/ml"
	"github.com/ollama/assembler/model"
)

// decodeTolerance - Maximale Abweichung zwischen vollem und inkrementellem Pass
const decodeTolerance = 1e-3

// RunHandler - Haupthandler fuer den run Command
func RunHandler(cmd *cobra.Command, args []string) error {
	decode, err := cmd.Flags().GetBool("decode")
	if err != nil {
		return err
	}

	dump, err := cmd.Flags().GetBool("dump")
	if err != nil {
		return err
	}

	s, err := loadModel(args, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := s.backend.NewContext()
	defer ctx.Close()

	in, err := randomInputs(cmd, ctx, s)
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := model.Forward(ctx, s.model, in)
	if err != nil {
		return err
	}
	slog.Info("forward pass", "architecture", s.config.Architecture(), "duration", time.Since(start))

	printOutputs(cmd.OutOrStdout(), out, dump)

	if !decode {
		return nil
	}

	diff, err := checkDecode(ctx, s.model, in, out)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nincremental decode: max difference %.2e\n", diff)
	if diff > decodeTolerance {
		return fmt.Errorf("incremental decode differs from the full pass by %.2e", diff)
	}

	return nil
}

// checkDecode - Decodiert die Decoder-Eingaben Token fuer Token mit Cache und
// gibt die groesste Abweichung zu den Logits des vollen Passes zurueck
func checkDecode(ctx ml.Context, m model.Model, in model.Inputs, full model.Outputs) (float64, error) {
	ids := in.Get(model.DecoderInputIDs)
	if ids == nil {
		return 0, fmt.Errorf("%w: %T has no decoder", kvcache.ErrNotSupported, m)
	}

	var encoderLength int
	if t := in.Get(model.InputIDs); t != nil {
		encoderLength = t.Dim(1)
	}

	batchSize, seqLen := ids.Dim(0), ids.Dim(1)
	cache, err := model.InitCache(m, batchSize, seqLen, encoderLength)
	if err != nil {
		return 0, err
	}

	logits := full.Tensor(model.Logits)
	vocabSize := logits.Dim(2)

	var diff float64
	for i := range seqLen {
		values := map[string]ml.Tensor{model.DecoderInputIDs: ids.Slice(ctx, 1, i, i+1, 1)}
		if i == 0 {
			values[model.InputIDs] = in.Get(model.InputIDs)
		}

		out, err := model.Forward(ctx, m, model.Inputs{Values: values, Cache: cache})
		if err != nil {
			return 0, fmt.Errorf("step %d: %w", i, err)
		}

		want := logits.Slice(ctx, 1, i, i+1, 1).Floats()
		got := out.Tensor(model.Logits).Floats()
		if len(got) != batchSize*vocabSize {
			return 0, fmt.Errorf("step %d: got %d logits, want %d", i, len(got), batchSize*vocabSize)
		}

		for j := range got {
			diff = math.Max(diff, math.Abs(float64(got[j]-want[j])))
		}

		cache = out.Cache()
	}

	return diff, nil
}

// printOutputs - Listet die Ausgaben eines Vorwaerts-Passes mit ihren Shapes
func printOutputs(w io.Writer, out model.Outputs, dump bool) {
	table := newTable(w, "OUTPUT", "SHAPE", "DTYPE")

	var tensors []ml.Tensor
	var names []string
	for _, name := range slices.Sorted(maps.Keys(out)) {
		switch v := out[name].(type) {
		case ml.Tensor:
			names = append(names, name)
			tensors = append(tensors, v)
		case []ml.Tensor:
			for i, t := range v {
				names = append(names, fmt.Sprintf("%s.%d", name, i))
				tensors = append(tensors, t)
			}
		case *kvcache.Cache:
			table.Append([]string{name, fmt.Sprintf("offset %d", v.Offset()), ""})
		}
	}

	for i, t := range tensors {
		table.Append([]string{names[i], shapeString(t.Shape()), t.DType().String()})
	}
	table.Render()

	if dump {
		for i, t := range tensors {
			fmt.Fprintf(w, "\n%s\n%s\n", names[i], ml.Dump(t, ml.DumpWithPrecision(4)))
		}
	}
}
