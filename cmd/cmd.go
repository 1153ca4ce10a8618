// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/assembler/envconfig"
	"github.com/ollama/assembler/logutil"

	_ "github.com/ollama/assembler/ml/backend"
	_ "github.com/ollama/assembler/model/models"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "assembler",
		Short:         "Assemble and run transformer models from configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	inspectCmd := newInspectCmd()
	runCmd := newRunCmd()
	attentionCmd := newAttentionCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{inspectCmd, runCmd, attentionCmd} {
		switch cmd {
		case inspectCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["ASSEMBLER_DEBUG"]})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["ASSEMBLER_DEBUG"],
				envVars["ASSEMBLER_BACKEND"],
				envVars["ASSEMBLER_NUM_THREADS"],
				envVars["ASSEMBLER_CACHE_TYPE"],
				envVars["ASSEMBLER_MAX_LENGTH"],
				envVars["ASSEMBLER_STRICT"],
			})
		}
	}

	rootCmd.AddCommand(
		inspectCmd,
		runCmd,
		attentionCmd,
		envCmd,
	)

	return rootCmd
}
