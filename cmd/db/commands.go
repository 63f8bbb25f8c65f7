package db

import (
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/client"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

var (
	execCmd = &cobra.Command{
		Use:   "exec [sql] [args...]",
		Short: "Executes a single statement",
		Long:  "Executes a single statement. Additional arguments are bound to the positional parameters (?) of the statement.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt := common.NewStatement(args[0], parseArgs(args[1:])...)
			res, err := dbClient.Execute(cmd.Context(), stmt)
			if err != nil {
				return err
			}
			printResult(os.Stdout, res)
			return nil
		},
	}
	batchCmd = &cobra.Command{
		Use:   "batch [sql...]",
		Short: "Executes statements as one transaction in a single round trip",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := client.ParseTxMode(viper.GetString("mode"))
			if err != nil {
				return err
			}
			results, err := dbClient.ExecuteBatch(cmd.Context(), mode, statementsOf(args))
			for i, res := range results {
				fmt.Printf("-- %s\n", args[i])
				printResult(os.Stdout, res)
			}
			return err
		},
	}
	txCmd = &cobra.Command{
		Use:   "tx [sql...]",
		Short: "Executes statements one by one in an interactive transaction",
		Long:  "Executes statements one by one in an interactive transaction. The transaction is committed if all statements succeed, otherwise it is rolled back.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := client.ParseTxMode(viper.GetString("mode"))
			if err != nil {
				return err
			}
			tx, err := dbClient.BeginTransaction(cmd.Context(), mode)
			if err != nil {
				return err
			}

			for _, sql := range args {
				res, err := tx.Execute(cmd.Context(), common.NewStatement(sql))
				if err != nil {
					if rbErr := tx.Rollback(cmd.Context()); rbErr != nil {
						return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
					}
					return err
				}
				fmt.Printf("-- %s\n", sql)
				printResult(os.Stdout, res)
			}

			if viper.GetBool("rollback") {
				if err := tx.Rollback(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("rolled back successfully")
				return nil
			}
			if err := tx.Commit(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("committed successfully")
			return nil
		},
	}
)

func init() {
	txCmd.Flags().Bool("rollback", false, "Roll back instead of committing (dry run)")
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// statementsOf creates a statement without parameters for every sql text
func statementsOf(sqls []string) []common.Statement {
	stmts := make([]common.Statement, len(sqls))
	for i, sql := range sqls {
		stmts[i] = common.NewStatement(sql)
	}
	return stmts
}

// parseArgs converts command line arguments to statement parameters.
// Integers, floats and null are converted, everything else is bound as text.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = parseArg(arg)
	}
	return out
}

func parseArg(arg string) any {
	if strings.EqualFold(arg, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return f
	}
	return arg
}

// printResult prints a result set as table
func printResult(w io.Writer, res *common.ResultSet) {
	if res == nil {
		return
	}
	if len(res.Columns) == 0 {
		fmt.Fprintf(w, "rows affected: %d, last insert id: %d\n", res.RowsAffected, res.LastInsertRowID)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "(%d rows)\n", len(res.Rows))
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%x'", v)
	default:
		return fmt.Sprint(v)
	}
}
