package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type ConfigFormat uint8

const (
	ConfigFormatJSON ConfigFormat = iota
	ConfigFormatYAML
)

// FormatOf returns the ConfigFormat implied by
// the extension of the supplied path, files that
// are not YAML are decoded as JSON.
func FormatOf(path string) ConfigFormat {
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		return ConfigFormatYAML
	}

	return ConfigFormatJSON
}

func (format ConfigFormat) decode(src io.Reader, dst any) error {
	switch format {
	case ConfigFormatJSON:
		return json.NewDecoder(src).Decode(dst)

	case ConfigFormatYAML:
		return yaml.NewDecoder(src).Decode(dst)

	default:
		return errors.New("unsupported config format")
	}
}

var (
	ErrUnsupportedVersion = errors.New("unsupported configuration version")

	// ErrInvalidConfiguration is wrapped by every
	// error reported by Validate.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

type configVersion struct {
	ConfigVersion int `json:"config_version" yaml:"config_version"`
}

func (ver *configVersion) getTargetType() (*ConfigurationV1, error) {
	switch ver.ConfigVersion {
	case 0, 1:
		return new(ConfigurationV1), nil

	default:
		return nil, fmt.Errorf("version %d: %w", ver.ConfigVersion, ErrUnsupportedVersion)
	}
}

// LoadConfigurationFromFile decodes and validates
// the configuration file at srcFile.
func LoadConfigurationFromFile(srcFile string, format ConfigFormat) (*ConfigurationV1, error) {
	src, err := os.OpenFile(srcFile, os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open configuration file: %w", err)
	}
	defer src.Close()

	var configVer configVersion
	if err = format.decode(src, &configVer); err != nil {
		return nil, fmt.Errorf("decode config version: %w", err)
	} else if _, err = src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to start of config: %w", err)
	}

	config, err := configVer.getTargetType()
	if err != nil {
		return nil, err
	} else if err = format.decode(src, config); err != nil {
		return nil, fmt.Errorf("decode configuration file: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration file: %w", err)
	}

	return config, nil
}
