// convert_model.go - Laedt einen HF-Checkpoint als Gewichte fuer ein Modell
// Hauptfunktionen: Load, LoadConfig
package convert

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	ofs "github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

var ErrDuplicateName = errors.New("duplicate tensor name")

// LoadConfig liest config.json aus dir
func LoadConfig(dir string) (ofs.KV, error) {
	return ofs.Load(filepath.Join(dir, "config.json"))
}

// Load liest alle Tensoren aus dir, benennt sie fuer die Architektur in c um
// und dekodiert sie parallel nach float32
func Load(dir string, c ofs.Config) ([]ml.Weight, error) {
	ts, err := Parse(dir)
	if err != nil {
		return nil, err
	}

	type job struct {
		t Tensor
		m mapping
	}

	rs := rulesFor(c)
	jobs := make([]job, 0, len(ts))
	sources := make(map[string]string, len(ts))
	for _, t := range ts {
		m, ok, err := rs.apply(t.Name(), t.Shape())
		if err != nil {
			return nil, err
		}

		if !ok {
			slog.Debug("skipping tensor", "name", t.Name())
			continue
		}

		if other, ok := sources[m.name]; ok {
			return nil, fmt.Errorf("%w: %q and %q both map to %q", ErrDuplicateName, other, t.Name(), m.name)
		}
		sources[m.name] = t.Name()

		jobs = append(jobs, job{t: t, m: m})
	}

	weights := make([]ml.Weight, len(jobs))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, j := range jobs {
		g.Go(func() error {
			data, err := j.t.Read()
			if err != nil {
				return err
			}

			for _, repack := range j.m.repackers {
				if data, err = repack(j.m.name, data, j.t.Shape()); err != nil {
					return err
				}
			}

			if len(data) != numel(j.m.shape) {
				return fmt.Errorf("%s: read %d values for shape %v", j.t.Name(), len(data), j.m.shape)
			}

			weights[i] = ml.Weight{
				Name:  j.m.name,
				Shape: j.m.shape,
				DType: j.t.DType(),
				Data:  data,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("loaded checkpoint", "dir", dir, "architecture", c.Architecture(), "tensors", len(weights), "skipped", len(ts)-len(weights))
	return weights, nil
}
