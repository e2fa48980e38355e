package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/mirage/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <run_id> <note>",
	Short:       "Attach a note to a persisted run",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{dbAnnotation: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id, note string) error {
	if err := DB.LabelRun(ctx, id, note); err != nil {
		utils.ShowError("Failed to label run", err, nil)
		return err
	}

	fmt.Printf("✅ Run %s labeled as '%s'\n", id, note)
	return nil
}
