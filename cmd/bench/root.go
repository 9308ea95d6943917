package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/resource"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Latency and throughput benchmark for a dPrim cluster",
		Long:    "Runs every benchmark for --duration with --threads concurrent clients and prints latency percentiles and throughput. Benchmarks: map-put, map-get, lock, log-append",
		PreRunE: processBenchConfig,
		RunE:    run,
	}
	benchKeyPrefix  = "__bench"
	benchThreads    = 10
	benchDuration   = 5 * time.Second
	benchKeySpread  = 100
	benchValueBytes = 100
	benchSkip       = make([]string, 0)

	// registry holds one timer and one error counter per benchmark
	registry = gometrics.NewRegistry()
)

// benchmark runs one operation of a benchmark. worker and i identify the
// calling goroutine and its iteration.
type benchmark struct {
	name  string
	setup func(ctx context.Context, c *coordinator.Coordinator) (op func(ctx context.Context, worker, i int) error, err error)
}

var benchmarks = []benchmark{
	{name: "map-put", setup: setupMapPut},
	{name: "map-get", setup: setupMapGet},
	{name: "lock", setup: setupLock},
	{name: "log-append", setup: setupLogAppend},
}

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupRPCClientFlags(BenchCmd)

	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. lock,log-append)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent clients"))
	key = "duration"
	BenchCmd.Flags().Duration(key, 5*time.Second, util.WrapString("How long every benchmark runs"))
	key = "keys"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use"))
	key = "value-size"
	BenchCmd.Flags().Int(key, 100, util.WrapString("Size of the values written (in bytes)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchThreads = max(1, viper.GetInt("threads"))
	benchDuration = viper.GetDuration("duration")
	benchKeySpread = max(1, viper.GetInt("keys"))
	benchValueBytes = max(1, viper.GetInt("value-size"))
	benchSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Benchmark tool for dPrim clusters")

	config, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d, Duration: %s\n", benchThreads, benchDuration)
	fmt.Println()

	coord, err := util.OpenCoordinator()
	if err != nil {
		return err
	}
	defer func() { _ = util.CloseCoordinator(coord) }()

	fmt.Println("starting benchmarks...")
	var ran []string
	for _, b := range benchmarks {
		if shouldSkip(b.name) {
			printSkipped(b.name)
			continue
		}
		if err := runBenchmark(coord, b); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		printResult(b.name)
		ran = append(ran, b.name)
	}

	if path := viper.GetString("csv"); path != "" {
		if err := writeResultsToCSV(path, ran); err != nil {
			return err
		}
		fmt.Printf("results written to %s\n", path)
	}
	return nil
}

// runBenchmark calls the operation of b from benchThreads goroutines until
// benchDuration elapsed
func runBenchmark(coord *coordinator.Coordinator, b benchmark) error {
	setupCtx, cancel := util.Context()
	op, err := b.setup(setupCtx, coord)
	cancel()
	if err != nil {
		return err
	}

	timer := gometrics.GetOrRegisterTimer(b.name, registry)
	errCount := gometrics.GetOrRegisterCounter(b.name+".errors", registry)
	opTimeout := time.Duration(viper.GetInt("timeout")) * time.Second

	deadline := time.Now().Add(benchDuration)
	var wg sync.WaitGroup
	for w := 0; w < benchThreads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; time.Now().Before(deadline); i++ {
				ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
				start := time.Now()
				err := op(ctx, worker, i)
				cancel()
				if err != nil {
					errCount.Inc(1)
					continue
				}
				timer.UpdateSince(start)
			}
		}(w)
	}
	wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func setupMapPut(_ context.Context, c *coordinator.Coordinator) (func(context.Context, int, int) error, error) {
	m, err := resource.GetMap[string, string](c, benchKeyPrefix+"-put", options())
	if err != nil {
		return nil, err
	}
	value := strings.Repeat("x", benchValueBytes)
	return func(ctx context.Context, worker, i int) error {
		_, err := m.Put(ctx, key(worker+i), value).Await(ctx)
		return err
	}, nil
}

func setupMapGet(ctx context.Context, c *coordinator.Coordinator) (func(context.Context, int, int) error, error) {
	m, err := resource.GetMap[string, string](c, benchKeyPrefix+"-get", options())
	if err != nil {
		return nil, err
	}
	value := strings.Repeat("x", benchValueBytes)
	for i := 0; i < benchKeySpread; i++ {
		if _, err := m.Put(ctx, key(i), value).Await(ctx); err != nil {
			return nil, err
		}
	}
	return func(ctx context.Context, worker, i int) error {
		_, err := m.Get(ctx, key(worker+i)).Await(ctx)
		return err
	}, nil
}

// setupLock gives every worker its own lock, a single coordinator holds one
// instance per name
func setupLock(_ context.Context, c *coordinator.Coordinator) (func(context.Context, int, int) error, error) {
	locks := make([]*resource.Lock, benchThreads)
	for w := range locks {
		l, err := resource.GetLock(c, fmt.Sprintf("%s-lock-%d", benchKeyPrefix, w), options())
		if err != nil {
			return nil, err
		}
		locks[w] = l
	}
	return func(ctx context.Context, worker, _ int) error {
		l := locks[worker]
		if _, err := l.Lock(ctx).Await(ctx); err != nil {
			return err
		}
		_, err := l.Unlock(ctx).Await(ctx)
		return err
	}, nil
}

func setupLogAppend(_ context.Context, c *coordinator.Coordinator) (func(context.Context, int, int) error, error) {
	events, err := resource.GetEventLog[string](c, benchKeyPrefix+"-log", options())
	if err != nil {
		return nil, err
	}
	value := strings.Repeat("x", benchValueBytes)
	return func(ctx context.Context, _, _ int) error {
		_, err := events.Append(ctx, value).Await(ctx)
		return err
	}, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func options() resource.Options {
	opts, err := util.GetOptions()
	if err != nil {
		return resource.Options{}
	}
	return opts
}

func key(i int) string {
	return fmt.Sprintf("%s-%d", benchKeyPrefix, i%benchKeySpread)
}

func shouldSkip(test string) bool {
	for _, skip := range benchSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

var percentiles = []float64{0.5, 0.9, 0.99}

func printSkipped(test string) {
	fmt.Printf("%-12sskipped\n", test)
}

// printResult prints the result of a benchmark in a formatted way
func printResult(test string) {
	t := gometrics.GetOrRegisterTimer(test, registry).Snapshot()
	errs := gometrics.GetOrRegisterCounter(test+".errors", registry).Count()
	if t.Count() == 0 {
		fmt.Printf("%-12sno successful operations (%d errors)\n", test, errs)
		return
	}
	ps := t.Percentiles(percentiles)
	fmt.Printf("%-12s%8d ops  %10.0f ops/sec  mean %-10s p50 %-10s p90 %-10s p99 %-10s errors %d\n",
		test,
		t.Count(),
		float64(t.Count())/benchDuration.Seconds(),
		time.Duration(t.Mean()),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		time.Duration(ps[2]),
		errs,
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, tests []string) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Ops", "OpsPerSec", "MeanNs", "P50Ns", "P90Ns", "P99Ns", "MaxNs", "Errors",
		"Nodes", "Serializer", "Transport", "Threads", "DurationSec", "Keys", "ValueBytes",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	sort.Strings(tests)
	for _, test := range tests {
		t := gometrics.GetOrRegisterTimer(test, registry).Snapshot()
		ps := t.Percentiles(percentiles)
		row := []string{
			test,
			strconv.FormatInt(t.Count(), 10),
			fmt.Sprintf("%.0f", float64(t.Count())/benchDuration.Seconds()),
			fmt.Sprintf("%.0f", t.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(t.Max(), 10),
			strconv.FormatInt(gometrics.GetOrRegisterCounter(test+".errors", registry).Count(), 10),
			viper.GetString("nodes"),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(benchThreads),
			fmt.Sprintf("%.0f", benchDuration.Seconds()),
			strconv.Itoa(benchKeySpread),
			strconv.Itoa(benchValueBytes),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
