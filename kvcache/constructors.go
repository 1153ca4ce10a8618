// Package kvcache - Konstruktoren und Initialisierung
//
// Dieses Modul enthaelt:
// - InitOptions: Parameter von init_cache
// - Init: validiert die Optionen und erzeugt einen leeren Cache
package kvcache

import (
	"fmt"
	"log/slog"

	"github.com/ollama/assembler/envconfig"
	"github.com/ollama/assembler/fs"
	"github.com/ollama/assembler/ml"
)

type InitOptions struct {
	BatchSize  int
	MaxLength  int
	HiddenSize int
	NumHeads   int
	// NumKVHeads ist 0 fuer NumHeads
	NumKVHeads int
	NumBlocks  int
	// EncoderLength ist die Laenge des Encoder-Outputs (0: unbekannt oder kein Encoder)
	EncoderLength int

	// DType ist der Speichertyp der Eintraege. DTypeOther liest ASSEMBLER_CACHE_TYPE.
	DType ml.DType
}

func (o InitOptions) validate() error {
	switch {
	case o.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", fs.ErrInvalidOption, o.BatchSize)
	case o.MaxLength <= 0:
		return fmt.Errorf("%w: max_length must be positive, got %d", fs.ErrInvalidOption, o.MaxLength)
	case o.NumBlocks < 0:
		return fmt.Errorf("%w: num_blocks must not be negative, got %d", fs.ErrInvalidOption, o.NumBlocks)
	case o.NumHeads <= 0:
		return fmt.Errorf("%w: num_heads must be positive, got %d", fs.ErrInvalidOption, o.NumHeads)
	case o.HiddenSize%o.NumHeads != 0:
		return fmt.Errorf("%w: hidden_size %d is not divisible by num_heads %d", fs.ErrInvalidOption, o.HiddenSize, o.NumHeads)
	case o.NumKVHeads < 0 || o.NumKVHeads > 0 && o.NumHeads%o.NumKVHeads != 0:
		return fmt.Errorf("%w: num_heads %d is not divisible by num_key_value_heads %d", fs.ErrInvalidOption, o.NumHeads, o.NumKVHeads)
	case o.EncoderLength < 0:
		return fmt.Errorf("%w: encoder_sequence_length must not be negative, got %d", fs.ErrInvalidOption, o.EncoderLength)
	}

	return nil
}

// Init erzeugt einen leeren Cache fuer eine Decoding-Session
func Init(opts InitOptions) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dtype := opts.DType
	if dtype == ml.DTypeOther {
		var err error
		dtype, err = ml.ParseDType(envconfig.CacheType())
		if err != nil {
			return nil, fmt.Errorf("%w: ASSEMBLER_CACHE_TYPE: %w", fs.ErrInvalidOption, err)
		}
	}

	if dtype == ml.DTypeI32 {
		return nil, fmt.Errorf("%w: cache type %v", ErrNotSupported, dtype)
	}

	numKVHeads := opts.NumKVHeads
	if numKVHeads == 0 {
		numKVHeads = opts.NumHeads
	}

	slog.Debug("kv cache", "blocks", opts.NumBlocks, "batch", opts.BatchSize, "max_length", opts.MaxLength,
		"kv_heads", numKVHeads, "head_dim", opts.HiddenSize/opts.NumHeads, "encoder_length", opts.EncoderLength, "dtype", dtype)

	c := New(opts.NumBlocks)
	c.maxLength = opts.MaxLength
	c.encoderLength = opts.EncoderLength
	c.dtype = dtype
	return c, nil
}
