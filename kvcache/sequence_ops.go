// Package kvcache - Sequenz-Operationen
//
// Dieses Modul enthaelt:
// - Truncate: setzt die Self-Attention Historie auf eine Laenge zurueck
package kvcache

import (
	"fmt"

	"github.com/ollama/assembler/ml"
)

// Truncate verwirft alle Self-Attention Positionen ab length und setzt den
// Offset entsprechend zurueck. Cross-Attention Eintraege bleiben erhalten.
func (c *Cache) Truncate(ctx ml.Context, length int) (*Cache, error) {
	if c == nil {
		return nil, nil
	}

	if length < 0 || length > c.offset {
		return nil, fmt.Errorf("%w: truncate to %d with offset %d", ErrNotSupported, length, c.offset)
	}

	n := c.clone()
	n.offset = length
	for i, b := range n.blocks {
		if b.Self.Empty() {
			continue
		}

		if length == 0 {
			n.blocks[i].Self = Entry{}
			continue
		}

		self := b.Self
		self.Key = self.Key.Slice(ctx, 2, 0, length, 1)
		self.Value = self.Value.Slice(ctx, 2, 0, length, 1)
		if self.Mask != nil {
			self.Mask = self.Mask.Slice(ctx, 1, 0, length, 1)
		}
		n.blocks[i].Self = self
	}

	return n, nil
}
