package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/mesh-operator/internal/system"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(system.PrettyInfo())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
