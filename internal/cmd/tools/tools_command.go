package tools

import (
	"os/exec"
	"slices"

	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/formats"
	. "github.com/KatelynHaworth/blob-carver/internal/cmd/globals"
	"github.com/spf13/cobra"
)

var (
	ToolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the extractors and the availability of their tools",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
)

// Availability describes a single extractor
// listed by the tools command.
type Availability struct {
	Extractor extractors.Extractor
	Path      string
	Err       error
}

// List returns every built-in and configured
// extractor, a configured extractor replaces
// the built-in extractor of the same name.
func List(configured []extractors.Extractor, lookPath func(string) (string, error)) []Availability {
	all := formats.Extractors()
	for _, ex := range configured {
		if i := slices.IndexFunc(all, func(b extractors.Extractor) bool { return b.Name == ex.Name }); i != -1 {
			all[i] = ex
		} else {
			all = append(all, ex)
		}
	}

	list := make([]Availability, len(all))
	for i, ex := range all {
		list[i].Extractor = ex

		if external, ok := ex.Utility.(extractors.External); ok {
			list[i].Path, list[i].Err = external.Locate(lookPath)
		}
	}

	return list
}

func run(_ *cobra.Command, _ []string) error {
	list := List(Config.Extractors(), exec.LookPath)

	var missing int
	for _, entry := range list {
		event := Logger.Info()
		if entry.Err != nil {
			event = Logger.Warn().Err(entry.Err)
			missing++
		}

		event.
			Str("name", entry.Extractor.Name).
			Str("format", entry.Extractor.Format).
			Str("kind", entry.Extractor.Utility.Kind()).
			Int("priority", entry.Extractor.Priority).
			Bool("do_not_recurse", entry.Extractor.DoNotRecurse).
			Str("path", entry.Path).
			Str("description", entry.Extractor.Description).
			Msg("Extractor")
	}

	Logger.Info().Int("extractors", len(list)).Int("unavailable", missing).Msg("Listed extractors")
	return nil
}
