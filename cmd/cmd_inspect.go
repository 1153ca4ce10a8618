// cmd_inspect.go - Inspect und Env Commands
// Hauptfunktionen: InspectHandler, EnvHandler, largest
package cmd

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/spf13/cobra"

	"github.com/ollama/assembler/convert"
	"github.com/ollama/assembler/envconfig"
	"github.com/ollama/assembler/fs"
)

// InspectHandler - Listet die Tensoren eines Checkpoints mit dem Namen, unter
// dem das Modell sie laedt
func InspectHandler(cmd *cobra.Command, args []string) error {
	top, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}

	ts, err := convert.Parse(args[0])
	if err != nil {
		return err
	}

	c, err := convert.LoadConfig(args[0])
	if err != nil {
		slog.Debug("no config.json, showing checkpoint names", "error", err)
		c = fs.KV{}
	}

	w := cmd.OutOrStdout()
	table := newTable(w, "NAME", "LOADED AS", "SHAPE", "DTYPE")

	var total int
	for _, t := range ts {
		name, ok := convert.Rename(c, t.Name())
		if !ok {
			name = "-"
		}

		table.Append([]string{t.Name(), name, shapeString(t.Shape()), t.DType().String()})
		total += numel(t.Shape())
	}
	table.Render()

	fmt.Fprintf(w, "\n%d tensors, %d parameters\n", len(ts), total)

	if top <= 0 {
		return nil
	}

	fmt.Fprintln(w)
	table = newTable(w, "LARGEST", "PARAMETERS")
	for _, t := range largest(ts, top) {
		table.Append([]string{t.Name(), fmt.Sprint(numel(t.Shape()))})
	}
	table.Render()

	return nil
}

// largest - Die n Tensoren mit den meisten Elementen, absteigend
func largest(ts []convert.Tensor, n int) []convert.Tensor {
	q := pq.NewWith(func(a, b convert.Tensor) int {
		if c := cmp.Compare(numel(b.Shape()), numel(a.Shape())); c != 0 {
			return c
		}
		return cmp.Compare(a.Name(), b.Name())
	})

	for _, t := range ts {
		q.Enqueue(t)
	}

	var s []convert.Tensor
	for range min(n, q.Size()) {
		t, _ := q.Dequeue()
		s = append(s, t)
	}

	return s
}

// EnvHandler - Zeigt die Umgebungskonfiguration
func EnvHandler(cmd *cobra.Command, args []string) error {
	envs := envconfig.AsMap()

	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	for _, name := range slices.Sorted(maps.Keys(envs)) {
		e := envs[name]
		table.Append([]string{e.Name, fmt.Sprint(e.Value), e.Description})
	}
	table.Render()

	return nil
}
