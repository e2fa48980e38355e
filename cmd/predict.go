package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/mirage/internal/imageio"
	"github.com/andresmejia3/mirage/internal/loss"
	"github.com/andresmejia3/mirage/internal/oracle"
	"github.com/andresmejia3/mirage/internal/utils"
	"github.com/spf13/cobra"
)

var (
	predictOracle OracleOptions
	predictTop    int
)

var predictCmd = &cobra.Command{
	Use:   "predict <image_path>",
	Short: "Show the oracle's top classes for an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPredict(cmd.Context(), args[0], predictOracle, predictTop)
	},
}

func init() {
	addOracleFlags(predictCmd.Flags(), &predictOracle)
	predictCmd.Flags().IntVarP(&predictTop, "top", "k", 5, "Number of classes to show")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(ctx context.Context, imagePath string, opts OracleOptions, top int) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "🚀 Starting %s oracle...\n", opts.Kind)
	m, err := buildModel(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to start oracle", err, nil)
		return err
	}
	defer m.Close()

	img, err := imageio.Load(imagePath, m.shape)
	if err != nil {
		utils.ShowError("Failed to load image", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Classifying...")
	logits, err := oracle.Predict(ctx, m, img)
	if err != nil {
		utils.ShowError("Prediction failed", err, m.proc)
		return err
	}

	ranked := rank(loss.Softmax(logits))
	if top > 0 && top < len(ranked) {
		ranked = ranked[:top]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RANK\tCLASS\tLABEL\tPROBABILITY\tLOGIT")
	fmt.Fprintln(w, "----\t-----\t-----\t-----------\t-----")
	for i, p := range ranked {
		fmt.Fprintf(w, "%d\t%d\t%s\t%.4f\t%.4f\n", i+1, p.class, m.label(p.class), p.prob, logits[p.class])
	}
	w.Flush()
	return nil
}

// rank orders classes by probability, highest first.
func rank(probs []float64) []prediction {
	out := make([]prediction, len(probs))
	for i, p := range probs {
		out[i] = prediction{class: i, prob: p}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].prob > out[j].prob })
	return out
}
