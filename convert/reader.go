// reader.go - Erkennung des Checkpoint-Formats
// Hauptfunktionen: Parse
package convert

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
)

var ErrUnknownFormat = errors.New("unknown tensor format")

// formats wird in dieser Reihenfolge geprueft; safetensors hat Vorrang
var formats = []struct {
	pattern string
	parse   func(...string) ([]Tensor, error)
}{
	{"model-*-of-*.safetensors", parseSafetensors},
	{"model.safetensors", parseSafetensors},
	{"pytorch_model-*-of-*.bin", parseTorch},
	{"pytorch_model.bin", parseTorch},
}

// Parse liest die Tensor-Kopfdaten aller Checkpoint-Dateien in dir
func Parse(dir string) ([]Tensor, error) {
	for _, f := range formats {
		matches, err := filepath.Glob(filepath.Join(dir, f.pattern))
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			slices.Sort(matches)
			return f.parse(matches...)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, dir)
}
