package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/calsync/display"
	"github.com/teranos/calsync/version"
)

// VersionCmd prints build information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(info)
		}
		fmt.Println(info.String())
		return nil
	},
}
