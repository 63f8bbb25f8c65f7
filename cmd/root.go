package cmd

import (
	"fmt"
	"github.com/ValentinKolb/wsql/cmd/db"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "wsql",
		Short: "database client with connection rotation and statement caching",
		Long: fmt.Sprintf(`wsql (v%s)

A client for SQL databases reached over persistent, multiplexed
connections. Connections are replaced in the background before they
age out, dead connections are replaced on demand and frequently used
statements are stored on the server to save bandwidth.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wsql",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wsql v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(db.DatabaseCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
