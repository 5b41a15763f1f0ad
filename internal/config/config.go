// Package config provides functionality for managing configuration options
// for the server and the client using command-line flags, environment
// variables and an optional JSON file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Duration is a time.Duration that reads "30s"-style strings from JSON.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or an integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

// Options holds the configuration values for the server.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"port"`

	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `json:"database_dsn"`

	// Config is the path to the Config file.
	Config string `json:"-"`

	// JWTSecret signs access tokens.
	JWTSecret string `json:"jwt_secret"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// CleanInterval is how often the cleaner runs; TombstoneRetention is how
	// long deleted records are kept for incremental pulls.
	CleanInterval      Duration `json:"clean_interval"`
	TombstoneRetention Duration `json:"tombstone_retention"`
}

// TLSEnabled reports whether both a certificate and a key are configured.
func (o *Options) TLSEnabled() bool {
	return o.TLSCert != "" && o.TLSKey != ""
}

// Parse parses the process arguments and environment. It exits on invalid
// configuration.
func Parse() *Options {
	opts, err := ParseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return opts
}

// ParseArgs builds Options from defaults, then the JSON config file, then
// explicitly given flags, then environment variables.
func ParseArgs(args []string, getenv func(string) string) (*Options, error) {
	opts := &Options{
		CleanInterval:      Duration(time.Hour),
		TombstoneRetention: Duration(30 * 24 * time.Hour),
	}
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.StringVar(&opts.Port, "a", "localhost:8080", "run on ip:port server")
	flags.StringVar(&opts.DatabaseDSN, "d", "", "db address")
	flags.StringVar(&opts.Config, "config", "config.json", "path to config file")
	flags.StringVar(&opts.Config, "c", "config.json", "path to config file (shorthand)")
	flags.StringVar(&opts.JWTSecret, "s", "", "access token signing secret")
	flags.StringVar(&opts.TLSCert, "tls-cert", "", "server certificate (enables HTTPS)")
	flags.StringVar(&opts.TLSKey, "tls-key", "", "server private key")
	flags.StringVar(&opts.LogLevel, "l", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	explicit := map[string]string{}
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if configPath := getenv("CONFIG"); configPath != "" {
		opts.Config = configPath
	}
	if err := loadFile(opts.Config, opts); err != nil {
		return nil, err
	}
	// Flags given on the command line win over the file.
	for name, value := range explicit {
		if err := flags.Set(name, value); err != nil {
			return nil, err
		}
	}

	if v := getenv("SERVER_ADDRESS"); v != "" {
		opts.Port = v
	}
	if v := getenv("DATABASE_DSN"); v != "" {
		opts.DatabaseDSN = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		opts.JWTSecret = v
	}
	if v := getenv("TLS_CERT"); v != "" {
		opts.TLSCert = v
	}
	if v := getenv("TLS_KEY"); v != "" {
		opts.TLSKey = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		opts.LogLevel = v
	}

	if opts.JWTSecret == "" {
		return nil, errors.New("jwt secret is required (-s or JWT_SECRET)")
	}
	if (opts.TLSCert == "") != (opts.TLSKey == "") {
		return nil, errors.New("tls cert and key must be given together")
	}
	return opts, nil
}

// ClientOptions holds the configuration values for the CLI client.
type ClientOptions struct {
	// ServerURL is the sync server base URL.
	ServerURL string `json:"server_url"`
	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string `json:"ca_file"`
	// DataDir holds the record file, the durable key/value database and logs.
	DataDir string `json:"data_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
	// SyncInterval is the auto-sync period of the watch command.
	SyncInterval Duration `json:"sync_interval"`
	// PageSize is the pull page size.
	PageSize int `json:"page_size"`
	// Relay connects instances through the server's websocket channel
	// instead of the shared database only.
	Relay bool `json:"relay"`
}

// DefaultClientOptions returns the client defaults. DataDir is
// $HOME/.modelsync, or .modelsync when the home directory is unknown.
func DefaultClientOptions() *ClientOptions {
	dir := ".modelsync"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".modelsync")
	}
	return &ClientOptions{
		ServerURL:    "http://localhost:8080",
		DataDir:      dir,
		LogLevel:     "info",
		SyncInterval: Duration(30 * time.Second),
		PageSize:     100,
	}
}

// LoadClient applies the JSON file at path (if it exists) and the
// MODELSYNC_* environment variables on top of the defaults.
func LoadClient(path string, getenv func(string) string) (*ClientOptions, error) {
	opts := DefaultClientOptions()
	if err := loadFile(path, opts); err != nil {
		return nil, err
	}
	if v := getenv("MODELSYNC_SERVER"); v != "" {
		opts.ServerURL = v
	}
	if v := getenv("MODELSYNC_CA"); v != "" {
		opts.CAFile = v
	}
	if v := getenv("MODELSYNC_DATA_DIR"); v != "" {
		opts.DataDir = v
	}
	if v := getenv("MODELSYNC_LOG_LEVEL"); v != "" {
		opts.LogLevel = v
	}
	if v := getenv("MODELSYNC_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MODELSYNC_SYNC_INTERVAL: %w", err)
		}
		opts.SyncInterval = Duration(d)
	}
	if v := getenv("MODELSYNC_RELAY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MODELSYNC_RELAY: %w", err)
		}
		opts.Relay = b
	}
	return opts, nil
}

func loadFile(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}
