// Package cli implements the modelsync command line client.
package cli

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atinyakov/modelsync/internal/config"
	"github.com/atinyakov/modelsync/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Build metadata, set by the main package.
var (
	Version   string
	BuildDate string
)

// RootOptions holds the persistent flags and the configuration resolved
// from them before a command runs.
type RootOptions struct {
	ConfigPath string
	ServerURL  string
	DataDir    string
	CAFile     string
	LogLevel   string
	Relay      bool

	// Getenv reads the environment.
	Getenv func(string) string

	client *config.ClientOptions
	log    *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Getenv: os.Getenv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modelsync",
		Short: "Offline-first record store synced with a modelsync server",
		Long: `modelsync keeps a local copy of your records and synchronizes it with the
server. Changes are queued locally and pushed when a sync runs.

Only one running instance may change records at a time. Use the shell
command for an interactive session with background sync; its takeover
command claims the edit lock from another instance.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "config file (default $MODELSYNC_CONFIG or <data-dir>/config.json)")
	flags.StringVar(&opts.ServerURL, "server", "", "sync server base URL")
	flags.StringVar(&opts.DataDir, "data-dir", "", "directory for records, state and logs")
	flags.StringVar(&opts.CAFile, "ca", "", "additional CA certificate (PEM)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.Relay, "relay", false, "coordinate instances through the server relay")

	cmd.AddCommand(
		NewLoginCommand(opts),
		NewVerifyCommand(opts),
		NewLogoutCommand(opts),
		NewStatusCommand(opts),
		NewPullCommand(opts),
		NewPushCommand(opts),
		NewSyncCommand(opts),
		NewPushAllCommand(opts),
		NewAddCommand(opts),
		NewEditCommand(opts),
		NewDeleteCommand(opts),
		NewListCommand(opts),
		NewGetCommand(opts),
		NewLibrariesCommand(opts),
		NewShareCommand(opts),
		NewUnshareCommand(opts),
		NewShellCommand(opts),
		NewVersionCommand(),
	)
	return cmd
}

// resolve applies defaults, the config file, the environment and finally
// the flags given on the command line, then opens the log file.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	path := o.ConfigPath
	if path == "" {
		path = o.Getenv("MODELSYNC_CONFIG")
	}
	if path == "" {
		dir := o.DataDir
		if dir == "" {
			dir = config.DefaultClientOptions().DataDir
		}
		path = filepath.Join(dir, "config.json")
	}
	c, err := config.LoadClient(path, o.Getenv)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		c.ServerURL = o.ServerURL
	}
	if flags.Changed("data-dir") {
		c.DataDir = o.DataDir
	}
	if flags.Changed("ca") {
		c.CAFile = o.CAFile
	}
	if flags.Changed("log-level") {
		c.LogLevel = o.LogLevel
	}
	if flags.Changed("relay") {
		c.Relay = o.Relay
	}
	o.client = c

	l := logger.New()
	if err := l.InitFile(c.LogLevel, logger.FileOptions{
		Path:       filepath.Join(c.DataDir, "logs", "client.log"),
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}); err != nil {
		return err
	}
	o.log = l.Log
	return nil
}

// NewVersionCommand prints the build metadata.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version and date",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modelsync client\nVersion: %s\nBuild Date: %s\n",
				cmp.Or(Version, "N/A"), cmp.Or(BuildDate, "N/A"))
		},
	}
}
