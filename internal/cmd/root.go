package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/KatelynHaworth/blob-carver/config"
	"github.com/KatelynHaworth/blob-carver/internal/cmd/extract"
	. "github.com/KatelynHaworth/blob-carver/internal/cmd/globals"
	"github.com/KatelynHaworth/blob-carver/internal/cmd/tools"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	rootCmd = cobra.Command{
		Use:               "blob-carver [file...]",
		Version:           "devel",
		Short:             "Finds, carves and recursively extracts objects embedded in binary blobs",
		PersistentPreRunE: preRun,
		RunE:              run,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	verbose    *bool
	configFile *string
)

func init() {
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		rootCmd.Version = buildInfo.Main.Version
	}

	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enables logging of debug level logs by the utility")
	configFile = rootCmd.PersistentFlags().StringP("config", "c", "", "Specifies the utility configuration file (JSON, or YAML if the file extension is .yaml or .yml)")

	extract.RegisterFlags(rootCmd.Flags())

	rootCmd.AddCommand(extract.ExtractCmd)
	rootCmd.AddCommand(tools.ToolsCmd)
}

func preRun(_ *cobra.Command, _ []string) error {
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if len(*configFile) == 0 {
		return nil
	}

	Logger.Info().Str("file", *configFile).Msg("Loading utility configuration")

	var err error
	if Config, err = config.LoadConfigurationFromFile(*configFile, config.FormatOf(*configFile)); err != nil {
		return fmt.Errorf("load config from file: %w", err)
	}

	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}

	Logger.Debug().Msg("No sub-command supplied, defaulting to the `extract` sub-command")

	return extract.ExtractCmd.RunE(cmd, args)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		Logger.Fatal().Err(err).Msg("Utility encountered a fatal error")
	}
}
