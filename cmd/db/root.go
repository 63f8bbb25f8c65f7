package db

import (
	"github.com/ValentinKolb/wsql/cmd/util"
	"github.com/ValentinKolb/wsql/rpc/client"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"github.com/spf13/cobra"
	"io"
	"os"
)

var (
	dbClient    *client.Client
	dbConnector transport.IConnector

	// DatabaseCommands represents the database command group
	DatabaseCommands = &cobra.Command{
		Use:                "db",
		Short:              "Run statements against a database",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add connection flags to the db command
	util.SetupClientFlags(DatabaseCommands)

	// Transaction mode for batch and tx
	DatabaseCommands.PersistentFlags().String("mode", "write", util.WrapString("Transaction mode for batch and tx (write, read, deferred)"))

	// Add subcommands
	DatabaseCommands.AddCommand(execCmd)
	DatabaseCommands.AddCommand(batchCmd)
	DatabaseCommands.AddCommand(txCmd)
	DatabaseCommands.AddCommand(perfTestCmd)
}

// setupClient initializes the logger, the transport and the client
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return err
	}

	dbConnector, err = util.GetConnector()
	if err != nil {
		return err
	}

	dbClient, err = client.New(cmd.Context(), config, dbConnector)
	return err
}

// closeClient closes the client and the connector and prints the metrics
func closeClient(_ *cobra.Command, _ []string) error {
	if dbClient == nil {
		return nil
	}
	err := dbClient.Close()
	if closer, ok := dbConnector.(io.Closer); ok {
		_ = closer.Close()
	}
	util.WriteMetrics(os.Stdout)
	return err
}
