package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
)

type ConfigurationV1 struct {
	ConfigVersion   int      `json:"config_version" yaml:"config_version"`
	OutputDirectory string   `json:"output_directory" yaml:"output_directory"`
	Workers         int      `json:"workers" yaml:"workers"`
	MaxDepth        int      `json:"max_depth" yaml:"max_depth"`
	MaxFiles        int      `json:"max_files" yaml:"max_files"`
	Recurse         bool     `json:"recurse" yaml:"recurse"`
	ToolTimeout     Duration `json:"tool_timeout" yaml:"tool_timeout"`
	Formats         []string `json:"formats" yaml:"formats"`
	Tools           []Tool   `json:"tools" yaml:"tools"`
}

// Tool describes an external extractor, a tool
// named after a built-in extractor replaces it.
type Tool struct {
	Name          string   `json:"name" yaml:"name"`
	Format        string   `json:"format" yaml:"format"`
	Description   string   `json:"description" yaml:"description"`
	Command       string   `json:"command" yaml:"command"`
	Arguments     []string `json:"arguments" yaml:"arguments"`
	Extension     string   `json:"extension" yaml:"extension"`
	ExitCodes     []int    `json:"exit_codes" yaml:"exit_codes"`
	Priority      int      `json:"priority" yaml:"priority"`
	DoNotRecurse  bool     `json:"do_not_recurse" yaml:"do_not_recurse"`
	ExpectsOutput bool     `json:"expects_output" yaml:"expects_output"`

	// Magic optionally specifies, as hex, a
	// signature that produces candidates for
	// the format of the tool.
	Magic       string `json:"magic" yaml:"magic"`
	MagicOffset int    `json:"magic_offset" yaml:"magic_offset"`
}

// Validate reports every invalid value in the
// configuration as a single joined error.
func (config *ConfigurationV1) Validate() error {
	var errs []error

	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format+": %w", append(args, ErrInvalidConfiguration)...))
	}

	if config.Workers < 0 {
		invalid("workers must not be negative, got %d", config.Workers)
	}

	if config.MaxDepth < 0 {
		invalid("max_depth must not be negative, got %d", config.MaxDepth)
	}

	if config.MaxFiles < 0 {
		invalid("max_files must not be negative, got %d", config.MaxFiles)
	}

	if config.ToolTimeout < 0 {
		invalid("tool_timeout must not be negative, got %s", config.ToolTimeout)
	}

	names := make(map[string]bool, len(config.Tools))
	for i, tool := range config.Tools {
		switch {
		case len(tool.Name) == 0:
			invalid("tool %d has no name", i)

		case names[tool.Name]:
			invalid("tool '%s' defined more than once", tool.Name)

		case len(tool.Format) == 0:
			invalid("tool '%s' has no format", tool.Name)

		case len(tool.Command) == 0:
			invalid("tool '%s' has no command", tool.Name)

		case tool.MagicOffset < 0:
			invalid("tool '%s' has a negative magic_offset", tool.Name)

		case tool.MagicOffset > 0 && len(tool.Magic) == 0:
			invalid("tool '%s' has a magic_offset without magic", tool.Name)
		}

		if _, err := tool.magic(); err != nil {
			invalid("tool '%s' magic: %v", tool.Name, err)
		}

		names[tool.Name] = true
	}

	return errors.Join(errs...)
}

// GetOutputDirectory returns the configured
// output directory, nil when none is set.
//
// A value prefixed with "ENV:" is read from the
// named environment variable.
func (config *ConfigurationV1) GetOutputDirectory() *string {
	dir := expand(config.OutputDirectory)
	if len(dir) == 0 {
		return nil
	}

	return &dir
}

// Extractors converts the configured tools into
// extractor descriptors.
func (config *ConfigurationV1) Extractors() []extractors.Extractor {
	exs := make([]extractors.Extractor, len(config.Tools))
	for i, tool := range config.Tools {
		exs[i] = tool.Extractor()
	}

	return exs
}

// Signatures returns the signatures of every
// configured tool that specifies a magic.
func (config *ConfigurationV1) Signatures() ([]signature.Signature, error) {
	var sigs []signature.Signature

	for _, tool := range config.Tools {
		magic, err := tool.magic()
		if err != nil {
			return nil, fmt.Errorf("tool '%s' magic: %w", tool.Name, err)
		} else if len(magic) == 0 {
			continue
		}

		sigs = append(sigs, signature.Signature{
			Format:      tool.Format,
			Magic:       magic,
			MagicOffset: tool.MagicOffset,
			Description: tool.Description,
		})
	}

	return sigs, nil
}

func (tool Tool) Extractor() extractors.Extractor {
	return extractors.Extractor{
		Name:        tool.Name,
		Format:      tool.Format,
		Description: tool.Description,
		Utility: extractors.External{
			Command:       expand(tool.Command),
			Arguments:     tool.Arguments,
			ExitCodes:     tool.ExitCodes,
			ExpectsOutput: tool.ExpectsOutput,
		},
		DoNotRecurse: tool.DoNotRecurse,
		Extension:    tool.Extension,
		Priority:     tool.Priority,
	}
}

func (tool Tool) magic() ([]byte, error) {
	magic := strings.TrimPrefix(strings.ReplaceAll(tool.Magic, " ", ""), "0x")
	if len(magic) == 0 {
		return nil, nil
	}

	return hex.DecodeString(magic)
}

func expand(value string) string {
	if envKey, found := strings.CutPrefix(value, "ENV:"); found {
		return os.Getenv(envKey)
	}

	return value
}

// Duration is a time.Duration decoded from a
// string such as "90s" or "5m".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) parse(value string) error {
	if len(value) == 0 {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	return d.parse(value)
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var value string
	if err := unmarshal(&value); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	return d.parse(value)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
