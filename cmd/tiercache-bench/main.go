// Package main provides the tiercache-bench CLI tool for comparing cache
// eviction policies on recorded or synthetic key traces.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/benchmark/analysis"
	"github.com/discochess/tiercache/benchmark/reporting"
	"github.com/discochess/tiercache/benchmark/simulation"
	"github.com/discochess/tiercache/benchmark/trace"
)

var (
	traceFile    string
	policyNames  []string
	maxSize      int64
	valueSize    int
	sizeSpread   float64
	measureName  string
	workload     trace.Workload
	outputFormat string
	outputFile   string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "tiercache-bench",
	Short: "Benchmark eviction policies for tiercache",
	Long: `tiercache-bench compares eviction policies by replaying key traces.

Each policy gets a fresh cache of the same byte budget. Every lookup that
misses stores the key's value, the way a cache-first read would. Values
are --value-size bytes, varied per key by --size-spread. Policies are
compared on misses per session or, with --measure missed-bytes, on the
bytes fetched from the origin per session.

Examples:
  # Synthetic Zipf workload with default policies
  tiercache-bench run

  # Replay a recorded trace (one key per line, blank line between sessions)
  tiercache-bench run --trace requests.txt.zst

  # Values between 128 and 896 bytes, compared on bytes fetched
  tiercache-bench run --size-spread 0.75 --measure missed-bytes

  # Skewed workload whose hot set drifts, as a markdown report
  tiercache-bench run --skew 1.4 --drift 5 --format markdown --output report.md`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark simulation",
	RunE:  runBenchmark,
}

func init() {
	runCmd.Flags().StringVarP(&traceFile, "trace", "t", "", "trace file to replay instead of a synthetic workload (supports .zst)")
	runCmd.Flags().StringSliceVarP(&policyNames, "policies", "p", []string{"write-order", "access-order"}, "eviction policies to compare")
	runCmd.Flags().Int64Var(&maxSize, "size", 64*1024, "cache budget in bytes")
	runCmd.Flags().IntVar(&valueSize, "value-size", 512, "mean bytes stored per missed key")
	runCmd.Flags().Float64Var(&sizeSpread, "size-spread", 0, "vary value sizes per key by up to this fraction of --value-size")
	runCmd.Flags().StringVarP(&measureName, "measure", "m", "misses", "per-session cost to compare: misses, missed-bytes")
	runCmd.Flags().IntVar(&workload.Keys, "keys", 2000, "synthetic key space size")
	runCmd.Flags().IntVar(&workload.Sessions, "sessions", 200, "synthetic session count")
	runCmd.Flags().IntVar(&workload.Requests, "requests", 500, "lookups per synthetic session")
	runCmd.Flags().Float64Var(&workload.Skew, "skew", 1.1, "Zipf exponent, greater than 1")
	runCmd.Flags().IntVar(&workload.Drift, "drift", 0, "keys the hot set shifts by per session")
	runCmd.Flags().Int64Var(&workload.Seed, "seed", 1, "random seed for the synthetic workload")
	runCmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "output format: text, markdown")
	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	sessions, err := loadSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return fmt.Errorf("no sessions to replay")
	}

	var totalLookups int
	for _, s := range sessions {
		totalLookups += len(s)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Replaying %d lookups from %d sessions\n", totalLookups, len(sessions))
	}

	policies := make([]tiercache.EvictionPolicy, 0, len(policyNames))
	for _, name := range policyNames {
		p, err := parsePolicy(name)
		if err != nil {
			return err
		}
		policies = append(policies, p)
	}

	if verbose {
		fmt.Fprintln(os.Stderr, "Running simulation...")
	}

	measure, err := analysis.ParseMeasure(measureName)
	if err != nil {
		return err
	}

	sim := simulation.NewSimulator(maxSize, valueSize, policies...)
	if sizeSpread > 0 {
		sim.WithSizes(simulation.SpreadSize(valueSize, sizeSpread))
	}
	results, err := sim.SimulateSessions(sessions)
	if err != nil {
		return err
	}

	var comparison *analysis.PolicyComparison
	if len(policies) >= 2 {
		comparison = analysis.ComparePolicies(
			results[policies[0].String()],
			results[policies[1].String()],
			measure,
			10000, // Bootstrap iterations.
			0.95,  // 95% confidence.
		)
	}

	var output io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	wl := reporting.Workload{
		Sessions:  len(sessions),
		Lookups:   totalLookups,
		MaxSize:   maxSize,
		ValueSize: valueSize,
	}

	switch outputFormat {
	case "markdown":
		return writeMarkdownReport(output, wl, policies, results, comparison)
	case "text":
		return writeTextReport(output, wl, policies, results, comparison)
	default:
		return fmt.Errorf("unknown format: %s", outputFormat)
	}
}

func loadSessions() ([][]string, error) {
	if traceFile == "" {
		return trace.Generate(workload)
	}

	file, err := os.Open(traceFile)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(traceFile, ".zst") {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		reader = decoder
	}

	return trace.Read(reader)
}

func parsePolicy(name string) (tiercache.EvictionPolicy, error) {
	switch strings.ToLower(name) {
	case "write-order", "write":
		return tiercache.WriteOrder, nil
	case "access-order", "access", "lru":
		return tiercache.AccessOrder, nil
	default:
		return 0, fmt.Errorf("unknown policy: %s", name)
	}
}

func writeTextReport(w io.Writer, wl reporting.Workload, policies []tiercache.EvictionPolicy, results map[string]*simulation.AggregateResult, comp *analysis.PolicyComparison) error {
	fmt.Fprintf(w, "Tiercache Eviction Policy Benchmark\n")
	fmt.Fprintf(w, "===================================\n\n")
	fmt.Fprintf(w, "Sessions: %d\n", wl.Sessions)
	fmt.Fprintf(w, "Lookups:  %d\n", wl.Lookups)
	fmt.Fprintf(w, "Budget:   %d bytes (%d-byte values)\n\n", wl.MaxSize, wl.ValueSize)

	fmt.Fprintf(w, "Results:\n")
	fmt.Fprintf(w, "--------\n\n")

	for _, p := range policies {
		m := simulation.ComputeMetrics(results[p.String()])
		fmt.Fprintf(w, "%s:\n", p)
		fmt.Fprintf(w, "  Hit rate:            %.1f%%\n", m.HitRate)
		fmt.Fprintf(w, "  Byte hit rate:       %.1f%%\n", m.ByteHitRate)
		fmt.Fprintf(w, "  Avg misses/session:  %.2f\n", m.AvgMissesPerSession)
		fmt.Fprintf(w, "  Median misses:       %.0f\n", m.MedianMissesPerSession)
		fmt.Fprintf(w, "  P90 misses:          %.0f\n", m.P90MissesPerSession)
		fmt.Fprintf(w, "  Avg missed bytes:    %.0f\n", m.AvgMissedBytesPerSession)
		fmt.Fprintf(w, "  Evictions:           %d\n", m.Evictions)
		fmt.Fprintf(w, "  Unique keys:         %d\n\n", m.UniqueKeys)
	}

	if comp != nil {
		fmt.Fprintf(w, "Statistical Analysis:\n")
		fmt.Fprintf(w, "---------------------\n\n")
		fmt.Fprintln(w, comp.Summary())
	}

	return nil
}

func writeMarkdownReport(w io.Writer, wl reporting.Workload, policies []tiercache.EvictionPolicy, results map[string]*simulation.AggregateResult, comp *analysis.PolicyComparison) error {
	report := reporting.NewMarkdownReport(w)
	report.WriteHeader("Tiercache Eviction Policy Benchmark")
	report.WriteMethodology(wl)
	report.WriteSummaryTable(results)
	report.WriteWorkloadShape(results[policies[0].String()])

	if comp != nil {
		report.WriteComparison(comp)
	}
	for _, p := range policies {
		report.WriteDistributionChart(p.String()+" misses/session", results[p.String()].MissesPerSession)
	}

	report.WriteFooter()
	return nil
}
