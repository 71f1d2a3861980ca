package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/cadence/internal/timing"
	"github.com/MRamiBalles/cadence/internal/timing/capability"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Calibrate the native timer on this host",
	Long: `Runs the same calibration the engine performs at startup and
reports which strategy it would select.

Examples:
  cadenced probe
  cadenced probe --json`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(probeCmd)
}

type probeOutput struct {
	Strategy   string            `json:"strategy"`
	Capability string            `json:"capability"`
	Result     capability.Result `json:"result"`
	Error      string            `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable})
	neg := capability.New(cell, cfg.EngineConfig().Negotiator,
		capability.WithLogger(log.Named("capability")),
		capabilityTimer(cfg.Timing.SpinThreshold),
	)
	sel := neg.SelectActive(cmd.Context())
	res := neg.LastResult()

	out := probeOutput{
		Strategy:   sel.Strategy.String(),
		Capability: sel.Capability.String(),
		Result:     res,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	if probeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("strategy:    %s\n", out.Strategy)
	fmt.Printf("capability:  %s\n", out.Capability)
	fmt.Printf("cycles:      %d (%d over tolerance)\n", res.Cycles, res.Exceeded)
	fmt.Printf("max error:   %v\n", res.MaxError)
	fmt.Printf("mean error:  %v\n", res.MeanError)
	if out.Error != "" {
		fmt.Printf("error:       %s\n", out.Error)
	}
	return nil
}

func capabilityTimer(spin time.Duration) capability.Option {
	return capability.WithTimerFactory(func() *timing.Timer {
		return timing.NewTimer(timing.WithSpinThreshold(spin))
	})
}
