package extract

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/KatelynHaworth/blob-carver/carve/engine"
	"github.com/KatelynHaworth/blob-carver/carve/formats"
	. "github.com/KatelynHaworth/blob-carver/internal/cmd/globals"
	"github.com/KatelynHaworth/blob-carver/internal/output"
	"github.com/KatelynHaworth/blob-carver/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	ExtractCmd = &cobra.Command{
		Use:   "extract file...",
		Short: "Scan files for embedded objects and extract them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	flags settings
)

// settings holds the flag values shared by the
// root and extract commands.
type settings struct {
	outputDirectory string
	workers         int
	maxDepth        int
	maxFiles        int
	recurse         bool
	toolTimeout     time.Duration
	formats         []string
	report          string
	reportFormat    string
}

func init() {
	RegisterFlags(ExtractCmd.Flags())
}

// RegisterFlags adds the extract flags to the
// supplied flag set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&flags.outputDirectory, "output", "o", "", "Specifies the directory to extract into, without one candidates are only validated")
	fs.IntVarP(&flags.workers, "workers", "w", 0, "Specifies the number of concurrent extractions (default: number of CPUs)")
	fs.IntVar(&flags.maxDepth, "max-depth", 0, fmt.Sprintf("Specifies the maximum recursion depth (default: %d)", engine.DefaultMaxDepth))
	fs.IntVar(&flags.maxFiles, "max-files", 0, fmt.Sprintf("Specifies the maximum number of files to scan (default: %d)", engine.DefaultMaxFiles))
	fs.BoolVarP(&flags.recurse, "recurse", "M", false, "Recursively scans extracted files")
	fs.DurationVar(&flags.toolTimeout, "timeout", 0, fmt.Sprintf("Specifies the time limit of a single extraction (default: %s)", engine.DefaultToolTimeout))
	fs.StringSliceVar(&flags.formats, "format", nil, "Restricts the scan to the listed formats")
	fs.StringVar(&flags.report, "report", "", "Specifies a file to write the scan report to")
	fs.StringVar(&flags.reportFormat, "report-format", "json", "Specifies the report format, one of json, yaml or plist")
}

// resolve merges the configuration file with the
// flags that were set on the command line.
func resolve(fs *pflag.FlagSet) settings {
	merged := settings{
		workers:      Config.Workers,
		maxDepth:     Config.MaxDepth,
		maxFiles:     Config.MaxFiles,
		recurse:      Config.Recurse,
		toolTimeout:  time.Duration(Config.ToolTimeout),
		formats:      Config.Formats,
		report:       flags.report,
		reportFormat: flags.reportFormat,
	}

	if dir := Config.GetOutputDirectory(); dir != nil {
		merged.outputDirectory = *dir
	}

	for name, apply := range map[string]func(){
		"output":    func() { merged.outputDirectory = flags.outputDirectory },
		"workers":   func() { merged.workers = flags.workers },
		"max-depth": func() { merged.maxDepth = flags.maxDepth },
		"max-files": func() { merged.maxFiles = flags.maxFiles },
		"recurse":   func() { merged.recurse = flags.recurse },
		"timeout":   func() { merged.toolTimeout = flags.toolTimeout },
		"format":    func() { merged.formats = flags.formats },
	} {
		if fs.Changed(name) {
			apply()
		}
	}

	return merged
}

func run(cmd *cobra.Command, args []string) error {
	opts := resolve(cmd.Flags())

	reportFormat, err := output.ParseFormat(opts.reportFormat)
	if err != nil {
		return fmt.Errorf("parse report format: %w", err)
	}

	if err = checkInputs(args); err != nil {
		return err
	}

	sigs, err := Config.Signatures()
	if err != nil {
		return fmt.Errorf("load configured signatures: %w", err)
	}

	assembly, err := formats.Build(formats.Options{
		Extra:           Config.Extractors(),
		ExtraSignatures: sigs,
		Enabled:         opts.formats,
		LookPath:        exec.LookPath,
	})
	if err != nil {
		return fmt.Errorf("build extractor registry: %w", err)
	}

	for _, name := range assembly.Unavailable {
		Logger.Warn().Str("extractor", name).Msg("External tool not found, extractor disabled")
	}

	engineOpts := engine.Options{
		Workers:     opts.workers,
		MaxDepth:    opts.maxDepth,
		MaxFiles:    opts.maxFiles,
		Recurse:     opts.recurse,
		ToolTimeout: opts.toolTimeout,
		Logger:      Logger,
	}

	if len(opts.outputDirectory) > 0 {
		engineOpts.OutputDirectory = &opts.outputDirectory
	} else {
		Logger.Info().Msg("No output directory supplied, only validating candidates")
	}

	eng, err := engine.New(assembly.Registry, assembly.Matcher, engineOpts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	group, gCtx := errgroup.WithContext(cmd.Context())
	wkrs := make([]*worker.Worker, len(args))

	for i, file := range args {
		wLogger := Logger.With().Str("file", file).Logger()
		wLogger.Info().Msg("Spawning scan worker")

		wkr, err := worker.NewWorker(eng, file, wLogger)
		if err != nil {
			wLogger.Error().Err(err).Msg("Failed to spawn scan worker")
			continue
		}

		wkrs[i] = wkr
		group.Go(func() error {
			return wkr.Scan(gCtx)
		})
	}

	scanErr := group.Wait()
	if !slices.ContainsFunc(wkrs, func(wkr *worker.Worker) bool { return wkr != nil }) {
		return fmt.Errorf("no input file could be scanned")
	} else if scanErr != nil {
		Logger.Error().Err(scanErr).Msg("One or more scan workers failed")
	}

	if len(opts.report) > 0 {
		doc := &output.Document{OutputDirectory: eng.OutputDirectory()}
		for _, wkr := range wkrs {
			if wkr == nil {
				continue
			}

			if input := wkr.Input(); input != nil {
				doc.Inputs = append(doc.Inputs, *input)
			}
		}

		if path, err := doc.Save(opts.report, reportFormat); err != nil {
			Logger.Error().Err(err).Msg("Encountered error while saving scan report")
		} else {
			Logger.Info().Str("report", path).Str("format", reportFormat.String()).Msg("Saved scan report")
		}
	}

	return scanErr
}

// checkInputs rejects inputs whose extraction
// roots would collide below the output directory.
func checkInputs(files []string) error {
	seen := make(map[string]string, len(files))

	for _, file := range files {
		base := filepath.Base(file)
		if other, found := seen[base]; found {
			return fmt.Errorf("inputs %s and %s share the name '%s'", other, file, base)
		}

		seen[base] = file
	}

	return nil
}
