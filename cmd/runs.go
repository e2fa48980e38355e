package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/mirage/internal/utils"
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:         "runs",
	Short:       "List persisted attack runs",
	Annotations: map[string]string{dbAnnotation: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRuns(cmd.Context(), runsLimit)
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "l", 20, "Maximum number of runs to show (0 = all)")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(ctx context.Context, limit int) error {
	runs, err := DB.ListRuns(ctx, limit)
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tIMAGE\tTARGET\tEPSILON\tITERATIONS\tFINAL LOSS\tREASON\tCREATED\tNOTE")
	fmt.Fprintln(w, "--\t-----\t------\t-------\t----------\t----------\t------\t-------\t----")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%d/%d\t%.4f\t%s\t%s\t%s\n",
			r.ID[:8], r.ImageID[:min(12, len(r.ImageID))], r.Target, r.Epsilon, r.Iterations, r.MaxIterations,
			r.FinalLoss, r.StopReason, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Note)
	}
	w.Flush()
	return nil
}
