package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"relink/internal/build"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", build.Version)
			fmt.Printf("Built at: %s\n", build.Time)
		},
	}
}
