package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DevinfoConfig holds configuration for the devinfo tool
type DevinfoConfig struct {
	Device      string
	Fabric      bool
	Verbose     bool
	DatabaseURI string
	LogLevel    string
}

// SetupDevinfoFlags sets up the command line flags for devinfo
func SetupDevinfoFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "devinfo.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("device", "", "Show only the named device (default: all devices)")
	flagSet.Bool("fabric", false, "Also list devices registered in the fabric inventory")
	flagSet.Bool("verbose", false, "Show GID tables, pkeys and dispatch slots")
	flagSet.String("database-uri", "http://localhost:4001", "URI of the fabric inventory database")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
}

// LoadDevinfoConfig loads the devinfo configuration from flags, an
// optional config file and environment variables
func LoadDevinfoConfig(flagSet *pflag.FlagSet) (*DevinfoConfig, error) {
	v, err := newProgramViper(flagSet, "devinfo")
	if err != nil {
		return nil, err
	}

	config := &DevinfoConfig{
		Device:      v.GetString("device"),
		Fabric:      v.GetBool("fabric"),
		Verbose:     v.GetBool("verbose"),
		DatabaseURI: v.GetString("database-uri"),
		LogLevel:    v.GetString("log-level"),
	}

	return config, nil
}

// CreateDefaultDevinfoConfig creates a default configuration file for devinfo
func CreateDefaultDevinfoConfig(path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("device", "")
	v.Set("fabric", false)
	v.Set("verbose", false)
	v.Set("database-uri", "http://localhost:4001")
	v.Set("log-level", "info")

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
