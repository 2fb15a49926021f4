package globals

import "github.com/KatelynHaworth/blob-carver/config"

var (
	// Config holds the utility configuration
	// loaded by the root command.
	Config = new(config.ConfigurationV1)
)
