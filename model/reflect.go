// Package model - Reflection-basierte Gewichts-Population
//
// Dieses Modul enthaelt die Reflection-Logik zum automatischen Befuellen
// von Model-Strukturen mit Parametern aus dem Backend.
//
// Hauptkomponenten:
// - Populate: Befuellt eine Model-Struktur und meldet fehlende Gewichte
// - populateFields: Befuellt Strukturfelder rekursiv mit Tensoren
// - Tag: weight-Tag-Struktur fuer Parameternamen
// - ParseTag: Parst weight-Tags aus Struct-Tags

package model

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/ollama/assembler/logutil"
	"github.com/ollama/assembler/ml"
)

var (
	ErrMissingWeight = errors.New("missing weight")
	ErrUnusedWeight  = errors.New("unused weight")
)

// Tag repraesentiert einen geparsten weight-Tag
type Tag struct {
	Name string
	// Prefix und Suffix werden auf Kind-Tags angewendet
	Prefix,
	Suffix string
	Alternatives []string
	// Optional gilt fuer das Feld und alle Kind-Felder
	Optional bool
}

// ParseTag parst einen weight-Tag-String in eine Tag-Struktur
func ParseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	tag.Name = parts[0]

	for _, part := range parts[1:] {
		if value, ok := strings.CutPrefix(part, "alt:"); ok && tag.Name == "" {
			// Alternative zum Primaernamen erheben wenn kein Primaername
			tag.Name = value
			slog.Warn("weight tag has alt: but no primary name", "tag", s)
		} else if ok {
			tag.Alternatives = append(tag.Alternatives, value)
		}

		if value, ok := strings.CutPrefix(part, "pre:"); ok {
			tag.Prefix = value
		}

		if value, ok := strings.CutPrefix(part, "suf:"); ok {
			tag.Suffix = value
		}

		if part == "optional" {
			tag.Optional = true
		}
	}

	return
}

var (
	tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()
	baseType   = reflect.TypeOf((*Base)(nil)).Elem()
)

type populator struct {
	base Base

	used    map[string]bool
	missing []string

	// found zaehlt jeden gesetzten Tensor, auch mehrfach verwendete (alt:)
	found int
}

// Populate befuellt alle getaggten Felder von m, einem Pointer auf eine
// Struktur, mit den gleichnamigen Parametern des Backends. Interface-Felder
// (Normen, Feed-Forward) muessen vorher mit ihrem konkreten Typ belegt sein.
// Nil-Pointer ohne einen einzigen geladenen Parameter bleiben nil, vorbelegte
// Pointer werden an Ort und Stelle befuellt.
//
// Fehlende Pflichtgewichte sind immer ein Fehler. Mit strict ist auch ein
// ungenutzter Parameter im Backend ein Fehler.
func Populate(b ml.Backend, m any, strict bool) error {
	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("populate: expected a non-nil pointer, got %T", m)
	}

	p := populator{base: Base{b: b}, used: make(map[string]bool)}
	p.populateFields(v.Elem())

	names := b.Names()
	if len(p.missing) > 0 {
		hints := make([]string, len(p.missing))
		for i, name := range p.missing {
			hints[i] = strconv.Quote(name)
			if s := suggest(name, names, p.used); s != "" {
				hints[i] += fmt.Sprintf(" (did you mean %q?)", s)
			}
		}

		return fmt.Errorf("%w: %s", ErrMissingWeight, strings.Join(hints, ", "))
	}

	var unused []string
	for _, name := range names {
		if !p.used[name] {
			unused = append(unused, name)
		}
	}

	if len(unused) > 0 {
		if strict {
			return fmt.Errorf("%w: %d tensors not assigned to the model, first: %q", ErrUnusedWeight, len(unused), unused[0])
		}

		slog.Warn("checkpoint has unused tensors", "count", len(unused), "first", unused[0])
	}

	slog.Debug("populated model", "type", fmt.Sprintf("%T", m), "tensors", len(p.used))
	return nil
}

// suggest gibt den naechstgelegenen noch nicht verwendeten Namen zurueck
func suggest(name string, names []string, used map[string]bool) string {
	var best string
	score := math.MaxInt
	for _, n := range names {
		if used[n] {
			continue
		}

		if s := levenshtein.ComputeDistance(name, n); s < score {
			score = s
			best = n
		}
	}

	// weiter entfernte Namen sind keine hilfreiche Korrektur
	if score > max(3, len(name)/2) {
		return ""
	}

	return best
}

// populateFields befuellt Strukturfelder rekursiv mit Tensoren aus dem Backend
func (p *populator) populateFields(v reflect.Value, tags ...Tag) {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// Kopie erstellen
			tagsCopy := slices.Clone(tags)
			if tag := t.Field(i).Tag.Get("weight"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTag(tag))
			}

			switch {
			case tt == baseType:
				vv.Set(reflect.ValueOf(p.base))
			case tt == tensorType:
				p.setTensor(vv, tagsCopy)
			case tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface:
				p.setPointer(vv, tagsCopy)
			case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						p.setPointer(vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						p.populateFields(vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...)
					}
				}
			case tt.Kind() == reflect.Struct:
				p.populateFields(vv, tagsCopy...)
			}
		}
	}
}

func (p *populator) setTensor(v reflect.Value, tags []Tag) {
	names := buildTensorNames(tags, "", "")
	for _, name := range names {
		if tensor := p.base.Backend().Get(strings.Join(name, ".")); tensor != nil {
			logutil.Trace("found tensor", "", tensor)
			p.used[strings.Join(name, ".")] = true
			p.found++
			v.Set(reflect.ValueOf(tensor))
			return
		}
	}

	optional := slices.ContainsFunc(tags, func(t Tag) bool { return t.Optional })
	if !optional && len(names) > 0 {
		p.missing = append(p.missing, strings.Join(names[0], "."))
	}
}

// buildTensorNames baut die vollstaendigen Tensor-Namen aus Tags
func buildTensorNames(tags []Tag, prefix, suffix string) (fullNames [][]string) {
	if len(tags) > 0 {
		var names []string
		if tags[0].Name != "" {
			for _, n := range append([]string{tags[0].Name}, tags[0].Alternatives...) {
				names = append(names, prefix+n+suffix)
			}
		}
		childNames := buildTensorNames(tags[1:], tags[0].Prefix, tags[0].Suffix)
		if len(names) == 0 {
			// Aktueller Tag hat keinen Namen, nur Kind-Namen verwenden
			fullNames = append(fullNames, childNames...)
		} else if len(childNames) == 0 {
			// Aktueller Tag hat Namen aber keine Kinder, Branches fuer jeden Namen erstellen
			for _, name := range names {
				fullNames = append(fullNames, []string{name})
			}
		} else {
			// Jeden Namen mit jedem Kind zusammenfuehren
			for _, name := range names {
				for _, childName := range childNames {
					fullNames = append(fullNames, append([]string{name}, childName...))
				}
			}
		}
	}

	return fullNames
}

// setPointer setzt Pointer- und Interface-Felder in Strukturen. Ein nil
// Pointer wird nur belegt, wenn dabei mindestens ein Parameter geladen wurde.
// Ein bereits gesetzter Pointer wird an Ort und Stelle befuellt und nie ersetzt.
func (p *populator) setPointer(v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	if vv.Kind() != reflect.Pointer || vv.Type().Elem().Kind() != reflect.Struct {
		return
	}

	if !vv.IsNil() {
		p.populateFields(vv.Elem(), tags...)
		return
	}

	vv = reflect.New(vv.Type().Elem())
	found := p.found
	p.populateFields(vv.Elem(), tags...)
	if p.found > found {
		v.Set(vv)
	}
}
