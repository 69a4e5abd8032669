package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for Dispersy
var RootCmd = &cobra.Command{
	Use:              "dispersy",
	Short:            "dispersy message dissemination",
	TraverseChildren: true,
}
