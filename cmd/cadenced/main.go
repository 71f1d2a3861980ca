// Command cadenced runs the multi-loop timing engine with its telemetry
// server. It only wires dependencies; no timing logic belongs here.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/cadence/internal/platform/config"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile string
	preset  string
	logJSON bool
	level   string
)

var rootCmd = &cobra.Command{
	Use:   "cadenced",
	Short: "Multi-loop adaptive precision timing engine",
	Long: `cadenced drives several periodic loops at independent target
frequencies, degrades them gracefully under load and returns them to a
safe baseline on distress.

Commands:
  run      Start the engine and the telemetry server
  probe    Calibrate the native timer on this host
  recap    Summarise persisted engine history
  version  Show version information`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML); missing file means defaults")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "default", "Base preset: default, stress, low")
	rootCmd.PersistentFlags().StringVar(&level, "log-level", "", "Override logging.level")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")
}

// loadConfig layers the config file on the chosen preset.
func loadConfig() (*config.Config, error) {
	base, err := config.Preset(preset)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadWithBase(cfgFile, base)
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	if logJSON {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
}
