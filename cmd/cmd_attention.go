// cmd_attention.go - Attention Command: Heatmap der Attention-Gewichte
// Hauptfunktionen: AttentionHandler, heatmap, topKeys
package cmd

import (
	"cmp"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/spf13/cobra"
	"golang.org/x/image/draw"

	"github.com/ollama/assembler/model"
)

var attentionKinds = map[string]string{
	"self":    model.Attentions,
	"decoder": model.DecoderAttentions,
	"cross":   model.CrossAttentions,
}

// AttentionHandler - Rendert die Attention-Gewichte eines Blocks und Kopfes
func AttentionHandler(cmd *cobra.Command, args []string) error {
	kind, err := cmd.Flags().GetString("kind")
	if err != nil {
		return err
	}

	key, ok := attentionKinds[kind]
	if !ok {
		return fmt.Errorf("invalid value for --kind: %q (must be self, decoder or cross)", kind)
	}

	block, err := cmd.Flags().GetInt("block")
	if err != nil {
		return err
	}

	head, err := cmd.Flags().GetInt("head")
	if err != nil {
		return err
	}

	scale, err := cmd.Flags().GetInt("scale")
	if err != nil {
		return err
	}

	top, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	s, err := loadModel(args, map[string]any{"output_attentions": true})
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

	out, err := model.Forward(ctx, s.model, in)
	if err != nil {
		return err
	}

	attentions := out.Tensors(key)
	if block < 0 || block >= len(attentions) {
		return fmt.Errorf("block %d out of range: model returned %d %s", block, len(attentions), key)
	}

	// [batch, heads, query, key]; es wird das erste Element des Batches gezeigt
	a := attentions[block]
	if head < 0 || head >= a.Dim(1) {
		return fmt.Errorf("head %d out of range: block has %d heads", head, a.Dim(1))
	}

	rows, cols := a.Dim(2), a.Dim(3)
	weights := a.Floats()[head*rows*cols : (head+1)*rows*cols]

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := png.Encode(f, heatmap(weights, rows, cols, max(scale, 1))); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "wrote %s (%dx%d)\n", output, cols, rows)

	if top > 0 {
		printTopKeys(w, weights, rows, cols, top)
	}

	return nil
}

// heatmap - Graustufenbild der Gewichte [rows, cols], auf das Maximum
// normiert und um scale vergroessert
func heatmap(weights []float32, rows, cols, scale int) image.Image {
	var peak float32
	for _, v := range weights {
		peak = max(peak, v)
	}

	src := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := range rows {
		for x := range cols {
			var v float32
			if peak > 0 {
				v = weights[y*cols+x] / peak
			}
			src.SetGray(x, y, color.Gray{Y: uint8(255 * min(max(v, 0), 1))})
		}
	}

	dst := image.NewGray(image.Rect(0, 0, cols*scale, rows*scale))
	draw.NearestNeighbor.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst
}

type keyWeight struct {
	key    int
	weight float32
}

// topKeys - Die n am staerksten beachteten Keys einer Query-Zeile
func topKeys(row []float32, n int) []keyWeight {
	q := pq.NewWith(func(a, b keyWeight) int {
		if c := cmp.Compare(b.weight, a.weight); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})

	for i, v := range row {
		q.Enqueue(keyWeight{key: i, weight: v})
	}

	s := make([]keyWeight, 0, min(n, len(row)))
	for range cap(s) {
		kw, _ := q.Dequeue()
		s = append(s, kw)
	}

	return s
}

func printTopKeys(w io.Writer, weights []float32, rows, cols, n int) {
	table := newTable(w, "QUERY", "TOP KEYS")
	for y := range rows {
		var keys string
		for i, kw := range topKeys(weights[y*cols:(y+1)*cols], n) {
			if i > 0 {
				keys += "  "
			}
			keys += fmt.Sprintf("%d:%.3f", kw.key, kw.weight)
		}
		table.Append([]string{fmt.Sprint(y), keys})
	}
	table.Render()
}
