package runner

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/paratest/paratest/config"
	"github.com/paratest/paratest/workload"
)

// Action runs the registered workload from the CLI.
func Action(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("config.Load failed: %w", err)
	}

	if dsn := c.String("dsn"); dsn != "" {
		conf.DSN = dsn
	}
	if c.IsSet("workers") {
		conf.WorkerCount = c.Int("workers")
	}
	if path := c.String("timings"); path != "" {
		conf.TimingStore = path
	}

	engine, err := New(conf)
	if err != nil {
		return fmt.Errorf("runner.New failed: %w", err)
	}
	engine.Progress = c.Bool("progress")

	units := workload.Registered()
	if len(units) == 0 {
		return fmt.Errorf("no workload units are registered")
	}

	result, err := engine.Run(context.Background(), units)
	if err != nil {
		return fmt.Errorf("engine.Run failed: %w", err)
	}

	printSummary(result)

	bad := result.Snapshot.Statuses[workload.StatusFail] +
		result.Snapshot.Statuses[workload.StatusError] +
		result.Snapshot.Statuses[workload.StatusTimeout]
	if bad > 0 {
		return fmt.Errorf("%v of %v units did not pass", bad, result.Snapshot.Units)
	}
	return nil
}

func printSummary(result *Result) {
	snap := result.Snapshot

	mode := "concurrent"
	if result.Sequential {
		mode = "sequential"
	}

	fmt.Printf("Mode      : %v\n", mode)
	fmt.Printf("Units     : %9d\n", snap.Units)
	fmt.Printf("Passed    : %9d\n", snap.Statuses[workload.StatusPass])
	fmt.Printf("Failed    : %9d\n", snap.Statuses[workload.StatusFail])
	fmt.Printf("Errored   : %9d\n", snap.Statuses[workload.StatusError])
	fmt.Printf("Timed out : %9d\n", snap.Statuses[workload.StatusTimeout])
	fmt.Printf("Skipped   : %9d\n", snap.Statuses[workload.StatusSkip])
	fmt.Printf("Queries   : %9d (%d writes)\n", snap.TotalQueries, snap.TotalWrites)
	fmt.Printf("Mean      : %12v\n", snap.MeanDuration)
	fmt.Printf("P95       : %12v\n", snap.P95Duration)
	fmt.Printf("Retries   : %9d (%d connection errors, %d recycles)\n", snap.Retries, snap.ConnectionErrors, snap.Recycles)

	for _, w := range snap.Workers {
		fmt.Printf("worker %v: %v units, wall %v, min %v, max %v\n", w.Worker, w.Units, w.Wall, w.Min, w.Max)
	}
}
