package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/mirage/internal/store"
	"github.com/spf13/cobra"
)

var (
	// DB is the global database connection shared by subcommands that need it
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// verbose switches library diagnostics to debug level
	verbose bool
	// logger carries library diagnostics (stagnation, worker crashes) to stderr
	logger = slog.New(slog.DiscardHandler)
	// shutdownTracer flushes spans on exit
	shutdownTracer = func(context.Context) error { return nil }
)

// Version is the application version.
const Version = "0.1.0"

// dbAnnotation marks commands that always need the database.
const dbAnnotation = "mirage/db"

var rootCmd = &cobra.Command{
	Use:     "mirage",
	Short:   "Targeted adversarial perturbations robust to input transformations",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		shutdownTracer = initTracer(cmd.Context(), "mirage")

		if !needsDB(cmd) {
			return nil
		}
		resolveDBURL()

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		if DB != nil {
			DB.Close(context.Background())
		}
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	},
}

func needsDB(cmd *cobra.Command) bool {
	if _, ok := cmd.Annotations[dbAnnotation]; ok {
		return true
	}
	// attack only touches the database with --persist
	persist, err := cmd.Flags().GetBool("persist")
	return err == nil && persist
}

// resolveDBURL builds the connection string from the environment when no flag was provided.
func resolveDBURL() {
	if dbURL != "" {
		return
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
		return
	}
	// Fallback to local default if no env vars are present
	dbURL = "postgres://localhost:5432/mirage"
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/mirage)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log per-iteration diagnostics to stderr")
}
