package cmd

import (
	"fmt"

	"github.com/Tox/tcpplus/internal/db"
	"github.com/Tox/tcpplus/internal/version"
	"github.com/spf13/cobra"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run:   startVersion,
	}
)

func init() {
	Root.AddCommand(versionCmd)
}

func startVersion(cmd *cobra.Command, args []string) {
	vs, err := version.String()
	if err != nil {
		exitWithError(err.Error())
		return
	}

	fmt.Print(vs)
	if ts := version.HumanRevisionTime(); ts != "" {
		fmt.Printf(" (%s)", ts)
	}
	fmt.Println()
	fmt.Printf("sqlite: %s\n", db.Version())
}
