// Command scenario-runner drives the end-to-end engine scenarios against
// the real clock and exits non-zero if any of them fails.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/test"
)

var (
	steady  time.Duration
	only    []string
	asJSON  bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "scenario-runner",
	Short:        "Run end-to-end engine scenarios",
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().DurationVar(&steady, "steady", 5*time.Second, "How long the steady-state scenario runs")
	rootCmd.Flags().StringSliceVar(&only, "only", nil, "Run only the named scenarios")
	rootCmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity")
}

func run(cmd *cobra.Command, _ []string) error {
	log := logger.NewNop()
	if verbose {
		l, err := logger.New(logger.Options{Level: "info"})
		if err != nil {
			return err
		}
		defer func() { _ = l.Sync() }()
		log = l
	}

	suite := test.NewSuite(log, steady)
	if !asJSON {
		fmt.Println("CADENCE SCENARIO SUITE")
		fmt.Println(strings.Repeat("=", 60))
	}
	results := suite.RunAll(cmd.Context(), only...)

	var failed int
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			mark := "PASS"
			if !r.Passed {
				mark = "FAIL"
			}
			fmt.Printf("%s  %-20s %8s  %s\n", mark, r.Scenario, r.Elapsed.Round(time.Millisecond), r.Actual)
			if !r.Passed {
				fmt.Printf("      expected: %s\n      reason:   %s\n", r.Expected, r.Reason)
			}
		}
		fmt.Println(strings.Repeat("=", 60))
		fmt.Printf("passed: %d  failed: %d\n", len(results)-failed, failed)
	}

	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}
