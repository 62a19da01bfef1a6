package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LoopbackConfig holds configuration for the loopback example
type LoopbackConfig struct {
	Size          int
	DataListen    string
	CollectorAddr string
	LogLevel      string
}

// SetupLoopbackFlags sets up the command line flags for loopback
func SetupLoopbackFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "loopback.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.Int("size", 4096, "Number of bytes to move with RDMA_WRITE")
	flagSet.String("data-listen", "127.0.0.1:0", "Data path listen address")
	flagSet.String("collector-addr", "", "OTLP collector address (empty disables metrics)")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
}

// LoadLoopbackConfig loads the loopback configuration from flags, an
// optional config file and environment variables
func LoadLoopbackConfig(flagSet *pflag.FlagSet) (*LoopbackConfig, error) {
	v, err := newProgramViper(flagSet, "loopback")
	if err != nil {
		return nil, err
	}

	config := &LoopbackConfig{
		Size:          v.GetInt("size"),
		DataListen:    v.GetString("data-listen"),
		CollectorAddr: v.GetString("collector-addr"),
		LogLevel:      v.GetString("log-level"),
	}

	if config.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", config.Size)
	}

	return config, nil
}

// CreateDefaultLoopbackConfig creates a default configuration file for loopback
func CreateDefaultLoopbackConfig(path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("size", 4096)
	v.Set("data-listen", "127.0.0.1:0")
	v.Set("collector-addr", "")
	v.Set("log-level", "info")

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
