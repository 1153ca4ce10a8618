// config_features.go - Feature-Flags und Cache-Konfiguration
//
// Dieses Modul enthaelt:
// - Feature-Flags (Strict)
// - Cache- und Backend-Auswahl
package envconfig

// =============================================================================
// Feature-Flags
// =============================================================================

var (
	// Strict laesst das Laden scheitern, wenn der Checkpoint ungenutzte Gewichte enthaelt
	Strict = Bool("ASSEMBLER_STRICT")

	// CacheType ist der Speichertyp fuer den K/V Cache (f32, f16, bf16)
	CacheType = String("ASSEMBLER_CACHE_TYPE")

	// Backend waehlt das Tensor-Backend (Default: cpu)
	Backend = String("ASSEMBLER_BACKEND")

	// MaxLength begrenzt die Laenge des Decode-Caches
	MaxLength = Uint("ASSEMBLER_MAX_LENGTH", 512)
)
