package commands

import (
	"github.com/mosaicnetworks/dispersy/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Dispersy config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Dispersy: *config.NewDefaultConfig(),
	}
}
