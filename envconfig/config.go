// config.go - Haupt-Konfigurationsfunktionen fuer den Assembler
//
// Dieses Modul enthaelt:
// - Models: Gibt das Checkpoint-Verzeichnis zurueck (ASSEMBLER_MODELS)
// - NumThreads: Anzahl paralleler Matmul-Worker (ASSEMBLER_NUM_THREADS)
// - LogLevel: Gibt Log-Level zurueck (ASSEMBLER_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags und Cache-Einstellungen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Models gibt das Verzeichnis zurueck, in dem Checkpoints gesucht werden
// Konfigurierbar via ASSEMBLER_MODELS
// Default: $HOME/.assembler/models
func Models() string {
	if s := Var("ASSEMBLER_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".assembler", "models")
}

// NumThreads gibt die Anzahl paralleler Worker fuer Batch-Matmuls zurueck
// Konfigurierbar via ASSEMBLER_NUM_THREADS
// Default: Anzahl CPUs
func NumThreads() int {
	if n := Uint("ASSEMBLER_NUM_THREADS", 0)(); n > 0 {
		return int(n)
	}

	return runtime.NumCPU()
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via ASSEMBLER_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ASSEMBLER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
