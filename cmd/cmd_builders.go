// cmd_builders.go - Command-Builder Funktionen
// Hauptfunktionen: newInspectCmd, newRunCmd, newAttentionCmd, newEnvCmd
package cmd

import (
	"github.com/spf13/cobra"
)

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "List the tensors of a checkpoint directory",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	inspectCmd.Flags().Int("top", 5, "Number of largest tensors to list")

	return inspectCmd
}

// newRunCmd - Erstellt den run Command
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run CONFIG [CHECKPOINT]",
		Short: "Assemble a model and run a forward pass on random inputs",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  RunHandler,
	}

	addModelFlags(runCmd)
	runCmd.Flags().Bool("decode", false, "Check incremental decoding against the full pass")
	runCmd.Flags().Bool("dump", false, "Print output values")

	return runCmd
}

// newAttentionCmd - Erstellt den attention Command
func newAttentionCmd() *cobra.Command {
	attentionCmd := &cobra.Command{
		Use:   "attention CONFIG [CHECKPOINT]",
		Short: "Render the attention weights of a block as a PNG heatmap",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  AttentionHandler,
	}

	addModelFlags(attentionCmd)
	attentionCmd.Flags().String("kind", "self", "Attention to render: self, decoder or cross")
	attentionCmd.Flags().Int("block", 0, "Block index")
	attentionCmd.Flags().Int("head", 0, "Head index")
	attentionCmd.Flags().Int("scale", 16, "Pixels per attention weight")
	attentionCmd.Flags().Int("top", 3, "Number of most attended keys to list per query")
	attentionCmd.Flags().StringP("output", "o", "attention.png", "Output file")

	return attentionCmd
}

// newEnvCmd - Erstellt den env Command
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().Int("batch", 1, "Batch size of the random inputs")
	cmd.Flags().Int("seq", 8, "Sequence length of the random inputs")
}
