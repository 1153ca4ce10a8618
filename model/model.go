// Package model - Model-Interface und Initialisierung
//
// Dieses Paket definiert das Model-Interface und stellt Funktionen
// zur Initialisierung und Verwaltung von Modellen bereit.
//
// Hauptkomponenten:
// - Model: Interface fuer alle Modell-Architekturen
// - Base: Basis-Implementierung fuer gemeinsame Funktionalitaet
// - New: Erstellt neue Model-Instanzen und befuellt ihre Gewichte
// - Register: Registriert Modell-Konstruktoren
// - Forward: Fuehrt einen Vorwaerts-Pass durch

package model

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/ollama/assembler/envconfig"
	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/kvcache"
	"github.com/ollama/assembler/logutil"
	"github.com/ollama/assembler/ml"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model not supported")
	ErrMissingInput     = errors.New("missing input")
)

// Model definiert das Interface fuer spezifische Modell-Architekturen
type Model interface {
	Forward(ctx ml.Context, in Inputs) (Outputs, error)

	Backend() ml.Backend
}

// Validator ist ein optionales Interface fuer Post-Load-Validierung
type Validator interface {
	Validate() error
}

// Decoder wird von Modellen implementiert, die inkrementell decodieren
type Decoder interface {
	Model

	// CacheOptions liefert die Cache-Dimensionen des Modells; Batch-Groesse,
	// maximale Laenge und Encoder-Laenge setzt InitCache.
	CacheOptions() kvcache.InitOptions
}

// Shaper wird von Modellen implementiert, die ihre Parameter ohne
// Checkpoint beschreiben koennen
type Shaper interface {
	Shapes() map[string][]int
}

// Base implementiert gemeinsame Felder und Methoden fuer alle Modelle
type Base struct {
	b ml.Backend
}

// Backend gibt das Backend zurueck, das die Gewichte des Modells haelt
func (m *Base) Backend() ml.Backend {
	return m.b
}

// models speichert registrierte Modell-Konstruktoren
var models = make(map[string]func(fs.Config) (Model, error))

// Register registriert einen Modell-Konstruktor fuer eine Architektur
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures listet die registrierten Architekturen sortiert auf
func Architectures() []string {
	return slices.Sorted(maps.Keys(models))
}

// New erstellt das Modell fuer die Architektur der Konfiguration und
// befuellt seine Gewichte aus dem Backend
func New(c fs.Config, b ml.Backend) (Model, error) {
	m, err := modelForArch(c)
	if err != nil {
		return nil, err
	}

	if err := Populate(b, m, envconfig.Strict()); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Architecture(), err)
	}

	if validator, ok := m.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Architecture(), err)
		}
	}

	return m, nil
}

// InitWeights erzeugt Gewichte fuer alle Parameter der Architektur in c.
// fill liefert die n Werte eines Parameters.
func InitWeights(c fs.Config, fill func(name string, n int) []float32) ([]ml.Weight, error) {
	m, err := modelForArch(c)
	if err != nil {
		return nil, err
	}

	s, ok := m.(Shaper)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be initialized without a checkpoint", ErrUnsupportedModel, c.Architecture())
	}

	shapes := s.Shapes()
	weights := make([]ml.Weight, 0, len(shapes))
	for _, name := range slices.Sorted(maps.Keys(shapes)) {
		shape := shapes[name]
		n := 1
		for _, d := range shape {
			n *= d
		}

		weights = append(weights, ml.Weight{Name: name, Shape: shape, DType: ml.DTypeF32, Data: fill(name, n)})
	}

	return weights, nil
}

// modelForArch erstellt ein Model basierend auf der Architektur
func modelForArch(c fs.Config) (Model, error) {
	arch := c.Architecture()

	f, ok := models[arch]
	if !ok {
		var closest string
		score := math.MaxInt
		for name := range models {
			if s := levenshtein.ComputeDistance(strings.ToLower(arch), name); s < score {
				score, closest = s, name
			}
		}

		if closest != "" && score <= max(2, len(arch)/3) {
			return nil, fmt.Errorf("%w: %q (did you mean %q?)", ErrUnsupportedModel, arch, closest)
		}

		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedModel, arch, strings.Join(Architectures(), ", "))
	}

	return f(c)
}

// Forward fuehrt einen Vorwaerts-Pass durch das Modell aus
func Forward(ctx ml.Context, m Model, in Inputs) (Outputs, error) {
	if len(in.Values) == 0 {
		return nil, fmt.Errorf("%w: no inputs given", ErrMissingInput)
	}

	for name, t := range in.Values {
		if t == nil {
			return nil, fmt.Errorf("%w: %q is nil", ErrMissingInput, name)
		}

		if logutil.Enabled() {
			logutil.Trace("forward input", "name", name, "shape", t.Shape())
		}
	}

	out, err := m.Forward(ctx, in)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// InitCache erstellt einen leeren Cache fuer ein Modell mit inkrementellem
// Decoding. maxLength 0 verwendet ASSEMBLER_MAX_LENGTH.
func InitCache(m Model, batchSize, maxLength, encoderLength int) (*kvcache.Cache, error) {
	d, ok := m.(Decoder)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not decode incrementally", kvcache.ErrNotSupported, m)
	}

	if maxLength == 0 {
		maxLength = int(envconfig.MaxLength())
	}

	opts := d.CacheOptions()
	opts.BatchSize = batchSize
	opts.MaxLength = maxLength
	opts.EncoderLength = encoderLength
	return kvcache.Init(opts)
}
