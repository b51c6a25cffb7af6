// Package config loads server configuration from flags and an optional
// YAML file, and client configuration from flags, mirroring
// cmd/warren/main.go's persistent-flag wiring but collecting the
// result into a single struct instead of reading flags ad hoc at each
// call site.
package config

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Server holds every setting a tgd process needs to start.
type Server struct {
	NodeID     string `yaml:"node_id"`
	DataDir    string `yaml:"data_dir"`
	BindAddr   string `yaml:"bind_addr"`   // raft transport
	APIAddr    string `yaml:"api_addr"`    // pkg/api listener
	PeerAddrs  []string `yaml:"peers"`     // pkg/replication targets
	ContainerdSocket string `yaml:"containerd_socket"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// RegisterFlags adds a flag for every Server field, plus --config, to
// flags, the way cmd/warren/main.go registers "log-level"/"log-json" on its
// root command.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("node-id", "", "unique id for this node")
	flags.String("data-dir", "./data", "directory for object store, index, and cache state")
	flags.String("bind-addr", "127.0.0.1:8201", "raft transport bind address")
	flags.String("api-addr", "127.0.0.1:8202", "tangram API listen address")
	flags.StringSlice("peers", nil, "replication peer addresses")
	flags.String("containerd-socket", "", "containerd socket path (/run/containerd/containerd.sock if empty)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	flags.String("config", "", "optional YAML config file; flags override its values")
}

// FromCommand builds a Server from a cobra command's flags, applying an
// optional YAML config file named by --config first so explicit flags
// still win (cobra/pflag only report a flag as Changed when the user
// set it, so a flag left at its zero default never clobbers a value
// the file supplied).
func FromCommand(cmd *cobra.Command) (Server, error) {
	var cfg Server
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Server{}, err
		}
	}

	flags := cmd.Flags()
	applyString(flags, "node-id", &cfg.NodeID)
	applyString(flags, "data-dir", &cfg.DataDir)
	applyString(flags, "bind-addr", &cfg.BindAddr)
	applyString(flags, "api-addr", &cfg.APIAddr)
	applyString(flags, "containerd-socket", &cfg.ContainerdSocket)
	applyString(flags, "log-level", &cfg.LogLevel)
	applyString(flags, "metrics-addr", &cfg.MetricsAddr)
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("peers") {
		cfg.PeerAddrs, _ = flags.GetStringSlice("peers")
	}

	if cfg.NodeID == "" {
		return Server{}, tgerror.New(tgerror.Invalid, "config.FromCommand", "--node-id is required")
	}
	return cfg, nil
}

func applyString(flags *pflag.FlagSet, name string, dest *string) {
	if flags.Changed(name) || *dest == "" {
		v, err := flags.GetString(name)
		if err == nil && v != "" {
			*dest = v
		}
	}
}

func loadYAML(path string, cfg *Server) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "config.loadYAML", err, "failed to read config file "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return tgerror.Wrap(tgerror.Invalid, "config.loadYAML", err, "failed to parse config file "+path)
	}
	return nil
}

// Client holds the settings cmd/tg needs to reach a tgd server.
type Client struct {
	APIAddr  string `yaml:"api_addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
	Insecure bool   `yaml:"insecure"`
}

// RegisterClientFlags adds the flags cmd/tg exposes on every subcommand.
func RegisterClientFlags(flags *pflag.FlagSet) {
	flags.String("api-addr", "127.0.0.1:8202", "tangram API address to connect to")
	flags.String("cert-file", "", "client certificate for mTLS")
	flags.String("key-file", "", "client key for mTLS")
	flags.String("ca-file", "", "CA certificate to verify the server against")
	flags.Bool("insecure", false, "skip mTLS (local development only)")
}

func ClientFromCommand(cmd *cobra.Command) (Client, error) {
	flags := cmd.Flags()
	apiAddr, _ := flags.GetString("api-addr")
	certFile, _ := flags.GetString("cert-file")
	keyFile, _ := flags.GetString("key-file")
	caFile, _ := flags.GetString("ca-file")
	insecure, _ := flags.GetBool("insecure")
	return Client{APIAddr: apiAddr, CertFile: certFile, KeyFile: keyFile, CAFile: caFile, Insecure: insecure}, nil
}
