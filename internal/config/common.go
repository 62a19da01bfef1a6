package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// newProgramViper builds the viper instance every program starts from:
// GOVERBS_<PROG>_* environment variables, bound pflags, and config file
// resolution. An explicit --config path must be readable; a missing file
// on the search path is not an error.
func newProgramViper(flagSet *pflag.FlagSet, prog string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("GOVERBS_" + strings.ToUpper(prog))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(prog)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.goverbs")
		v.AddConfigPath("/etc/goverbs")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	return v, nil
}

// systemHostname returns the hostname, or a process-unique fallback when
// the lookup fails.
func systemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("goverbs-%d", os.Getpid())
	}
	return hostname
}

// writeConfigFile writes a default config file, creating its directory
// if needed.
func writeConfigFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
