// Package kvcache - Block-indizierter Key/Value Cache fuer inkrementelles Decoding
//
// Dieses Modul enthaelt:
// - Cache: ein Eintragspaar (Self + Cross) pro Block und ein gemeinsamer Offset
// - Block/PutBlock: Lesen und reines Aktualisieren eines Block-Eintrags
// - Advance/Offset: Fortschreiben der absoluten Position
//
// Ein nil *Cache bedeutet "kein Cache". Alle Operationen sind dann No-ops,
// damit die Attention ohne Verzweigung in beiden Modi denselben Code ausfuehrt.
package kvcache

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ollama/assembler/ml"
)

var (
	ErrCacheFull    = errors.New("kv cache exceeds its maximum length")
	ErrNotSupported = errors.New("cache does not support operation")
)

// Block haelt die unabhaengigen Self- und Cross-Attention Eintraege eines Blocks
type Block struct {
	Self  Entry
	Cross Entry
}

// Cache ist ein unveraenderlicher Wert. Jede Aktualisierung liefert eine Kopie.
type Cache struct {
	blocks []Block
	offset int

	maxLength     int
	encoderLength int
	dtype         ml.DType
}

// New erzeugt einen leeren Cache ohne Laengenbegrenzung
func New(numBlocks int) *Cache {
	return &Cache{blocks: make([]Block, numBlocks)}
}

func (c *Cache) NumBlocks() int {
	if c == nil {
		return 0
	}

	return len(c.blocks)
}

// Block gibt den Eintrag fuer Block i zurueck. Die Eintraege tragen die
// Speicher-Einstellungen des Caches, damit Append sie anwenden kann.
func (c *Cache) Block(i int) Block {
	if c == nil {
		return Block{}
	}

	if i < 0 || i >= len(c.blocks) {
		panic(fmt.Errorf("cache block %d out of range [0, %d)", i, len(c.blocks)))
	}

	b := c.blocks[i]
	b.Self.dtype, b.Self.maxLength = c.dtype, c.maxLength
	b.Cross.dtype = c.dtype
	return b
}

// PutBlock ersetzt den Eintrag fuer Block i in einer Kopie des Caches
func (c *Cache) PutBlock(i int, b Block) *Cache {
	if c == nil {
		return nil
	}

	if i < 0 || i >= len(c.blocks) {
		panic(fmt.Errorf("cache block %d out of range [0, %d)", i, len(c.blocks)))
	}

	if old := c.blocks[i].Cross; !old.Empty() && (old.Key != b.Cross.Key || old.Value != b.Cross.Value) {
		panic(fmt.Errorf("cross attention cache of block %d cannot be replaced once populated", i))
	}

	if c.encoderLength > 0 && !b.Cross.Empty() && b.Cross.Key.Dim(2) != c.encoderLength {
		panic(fmt.Errorf("inconsistent encoder length (block: %v, cache: %v, entry: %v)", i, c.encoderLength, b.Cross.Key.Dim(2)))
	}

	n := c.clone()
	n.blocks[i] = b
	return n
}

// Advance schiebt den Offset um die Sequenzlaenge des verarbeiteten Tensors weiter
func (c *Cache) Advance(processed ml.Tensor) *Cache {
	if c == nil {
		return nil
	}

	n := c.clone()
	n.offset += processed.Dim(1)
	return n
}

// Offset ist die absolute Position des ersten Tokens im naechsten Forward Pass
func (c *Cache) Offset() int {
	if c == nil {
		return 0
	}

	return c.offset
}

func (c *Cache) MaxLength() int {
	if c == nil {
		return 0
	}

	return c.maxLength
}

func (c *Cache) clone() *Cache {
	n := *c
	n.blocks = slices.Clone(c.blocks)
	return &n
}
