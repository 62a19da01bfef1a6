package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// SendrecvConfig holds configuration for the sendrecv example
type SendrecvConfig struct {
	Server        bool
	Peer          string
	Port          int
	DataListen    string
	PeerDataPort  int
	Size          int
	Host          string
	Register      bool
	DatabaseURI   string
	CollectorAddr string
	LogLevel      string
}

// SetupSendrecvFlags sets up the command line flags for sendrecv
func SetupSendrecvFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "sendrecv.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.Bool("server", false, "Run as the receiving side")
	flagSet.String("peer", "127.0.0.1", "Server host to connect to (client mode)")
	flagSet.Int("port", 12346, "TCP port of the bootstrap exchange")
	flagSet.String("data-listen", "0.0.0.0:4791", "Data path listen address")
	flagSet.Int("peer-data-port", 4791, "UDP data port the peer listens on")
	flagSet.Int("size", 1024, "Message size in bytes")
	flagSet.String("host", "", "Hostname reported to the fabric inventory (default: system hostname)")
	flagSet.Bool("register", false, "Register the server's device in the fabric inventory")
	flagSet.String("database-uri", "http://localhost:4001", "URI of the fabric inventory database")
	flagSet.String("collector-addr", "", "OTLP collector address (empty disables metrics)")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
}

// LoadSendrecvConfig loads the sendrecv configuration from flags, an
// optional config file and environment variables
func LoadSendrecvConfig(flagSet *pflag.FlagSet) (*SendrecvConfig, error) {
	v, err := newProgramViper(flagSet, "sendrecv")
	if err != nil {
		return nil, err
	}

	config := &SendrecvConfig{
		Server:        v.GetBool("server"),
		Peer:          v.GetString("peer"),
		Port:          v.GetInt("port"),
		DataListen:    v.GetString("data-listen"),
		PeerDataPort:  v.GetInt("peer-data-port"),
		Size:          v.GetInt("size"),
		Host:          v.GetString("host"),
		Register:      v.GetBool("register"),
		DatabaseURI:   v.GetString("database-uri"),
		CollectorAddr: v.GetString("collector-addr"),
		LogLevel:      v.GetString("log-level"),
	}

	// The flag default is empty so an explicit --host always wins over
	// the hostname default.
	if config.Host == "" {
		config.Host = systemHostname()
	}
	if config.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", config.Size)
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", config.Port)
	}
	if config.PeerDataPort <= 0 || config.PeerDataPort > 65535 {
		return nil, fmt.Errorf("peer data port %d out of range", config.PeerDataPort)
	}

	return config, nil
}

// CreateDefaultSendrecvConfig creates a default configuration file for sendrecv
func CreateDefaultSendrecvConfig(path string) error {
	// Default config content
	configContent := `# goverbs sendrecv configuration
server: false
peer: "127.0.0.1" # server host (client mode)
port: 12346 # bootstrap exchange TCP port
data-listen: "0.0.0.0:4791"
peer-data-port: 4791
size: 1024 # message size in bytes
host: "" # leave empty to use hostname
register: false # register the server in the fabric inventory
database-uri: "http://localhost:4001"
collector-addr: "" # OTLP collector, empty disables metrics
log-level: "info" # debug, info, warn, error
`

	return writeConfigFile(path, configContent)
}
