package db

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/wsql/cmd/util"
	"github.com/ValentinKolb/wsql/rpc/client"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the client",
		Long:    "Runs benchmarks against the configured database. The benchmarks use the table __wsql_perf, which is dropped afterward.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfTable      = "__wsql_perf"
	perfNumThreads = 10
	perfDistinct   = 10
	perfBatchSize  = 10
	perfSkip       = make([]string, 0)
)

// perfTimings holds one latency timer per benchmark
var perfTimings = metrics.NewRegistry()

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,tx)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "distinct"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("How many distinct statements the select benchmarks use (more than 100 defeat the statement cache)"))
	key = "batch-size"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of statements per batch"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = viper.GetInt("threads")
	perfDistinct = max(viper.GetInt("distinct"), 1)
	perfBatchSize = max(viper.GetInt("batch-size"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// benchmark is a single named benchmark operation
type benchmark struct {
	name string
	op   func(ctx context.Context, counter int) error
}

func runPerf(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fmt.Println("Performance testing tool for wsql")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	if config, err := util.GetClientConfig(); err == nil {
		fmt.Println(config.String())
	}
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	if _, err := dbClient.Execute(ctx, common.NewStatement(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY, v TEXT)", perfTable))); err != nil {
		return fmt.Errorf("failed to create the benchmark table: %w", err)
	}
	defer func() {
		if _, err := dbClient.Execute(context.Background(), common.NewStatement("DROP TABLE "+perfTable)); err != nil {
			log.Printf("error dropping the benchmark table: %v\n", err)
		}
	}()

	fmt.Println("staring tests...")

	benchmarks := []benchmark{
		{"select", func(ctx context.Context, counter int) error {
			_, err := dbClient.Execute(ctx, common.NewStatement(fmt.Sprintf("SELECT %d", counter%perfDistinct)))
			return err
		}},
		{"insert", func(ctx context.Context, counter int) error {
			_, err := dbClient.Execute(ctx, common.NewStatement(fmt.Sprintf("INSERT INTO %s (v) VALUES (?)", perfTable), "test"))
			return err
		}},
		{"batch", func(ctx context.Context, _ int) error {
			stmts := make([]common.Statement, perfBatchSize)
			for i := range stmts {
				stmts[i] = common.NewStatement(fmt.Sprintf("INSERT INTO %s (v) VALUES (?)", perfTable), "batch")
			}
			_, err := dbClient.ExecuteBatch(ctx, client.TxWrite, stmts)
			return err
		}},
		{"tx", func(ctx context.Context, counter int) error {
			tx, err := dbClient.BeginTransaction(ctx, client.TxDeferred)
			if err != nil {
				return err
			}
			if _, err := tx.Execute(ctx, common.NewStatement(fmt.Sprintf("SELECT count(*) FROM %s", perfTable))); err != nil {
				_ = tx.Close()
				return err
			}
			return tx.Commit(ctx)
		}},
		{"pipeline", func(ctx context.Context, counter int) error {
			lease, err := dbClient.Lease(ctx)
			if err != nil {
				return err
			}
			defer lease.Close()

			p := lease.Pipeline()
			for i := 0; i < perfBatchSize; i++ {
				p.Execute(common.NewStatement(fmt.Sprintf("SELECT %d", (counter+i)%perfDistinct)))
			}
			return p.Flush(ctx)
		}},
	}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		result := runBenchmark(ctx, bm)
		results[bm.name] = result
		printBenchmarkResult(bm.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runBenchmark runs the operation in parallel and records the latency of every call
func runBenchmark(ctx context.Context, bm benchmark) testing.BenchmarkResult {
	timer := metrics.GetOrRegisterTimer(bm.name, perfTimings)

	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip(bm.name) {
			return
		}

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				if err := bm.op(ctx, counter); err != nil {
					log.Printf("(%s) - error: %v\n", bm.name, err)
				}
				timer.UpdateSince(start)
				counter++
			}
		})
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	return slices.Contains(perfSkip, test)
}

// printBenchmarkResult prints the result of a benchmark test in a formatted way
func printBenchmarkResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// latency percentiles of the single calls
	ps := metrics.GetOrRegisterTimer(test, perfTimings).Percentiles([]float64{0.5, 0.99})

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p99=%s\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec, time.Duration(ps[0]), time.Duration(ps[1]))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50", "P99", "Skipped",
		"URL", "Transport", "RotationInterval",
		"Threads", "Distinct", "BatchSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}
		ps := metrics.GetOrRegisterTimer(test, perfTimings).Percentiles([]float64{0.5, 0.99})

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			time.Duration(ps[0]).String(),
			time.Duration(ps[1]).String(),
			skipped,
			dbClient.Endpoint().URL(),
			viper.GetString("transport"),
			viper.GetDuration("rotation-interval").String(),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfDistinct),
			strconv.Itoa(perfBatchSize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
