package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/mirage/internal/utils"
	"github.com/spf13/cobra"
)

var showEvery int

var showCmd = &cobra.Command{
	Use:         "show <run_id>",
	Short:       "Print a persisted run and its loss trace",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runShow(cmd.Context(), args[0], showEvery)
	},
}

func init() {
	showCmd.Flags().IntVar(&showEvery, "every", 1, "Print every nth trace point")
	rootCmd.AddCommand(showCmd)
}

func runShow(ctx context.Context, id string, every int) error {
	run, err := DB.GetRun(ctx, id)
	if err != nil {
		utils.ShowError("Failed to load run", err, nil)
		return err
	}
	trace, err := DB.GetTrace(ctx, id)
	if err != nil {
		utils.ShowError("Failed to load loss trace", err, nil)
		return err
	}

	fmt.Printf("Run:          %s\n", run.ID)
	fmt.Printf("Image:        %s (%s)\n", run.ImagePath, run.ImageID)
	fmt.Printf("Target:       %d\n", run.Target)
	fmt.Printf("Budget:       ε=%.4f α=%.4f\n", run.Epsilon, run.LearningRate)
	fmt.Printf("Sampling:     %d x %s (seed %d)\n", run.SamplesPerStep, run.Distribution, run.Seed)
	fmt.Printf("Iterations:   %d/%d (%s)\n", run.Iterations, run.MaxIterations, run.StopReason)
	fmt.Printf("Output:       %s\n", run.OutputPath)
	if run.Note != "" {
		fmt.Printf("Note:         %s\n", run.Note)
	}

	if len(trace) == 0 {
		fmt.Println("No loss trace recorded.")
		return nil
	}
	if every < 1 {
		every = 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nITERATION\tLOSS")
	fmt.Fprintln(w, "---------\t----")
	for i, p := range trace {
		if i%every != 0 && i != len(trace)-1 {
			continue
		}
		fmt.Fprintf(w, "%d\t%.6f\n", p.Iteration, p.Loss)
	}
	w.Flush()
	return nil
}
