package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/revalida"
	"github.com/ambiyansyah-risyal/revalida/internal/config"
	"github.com/ambiyansyah-risyal/revalida/store"
	"github.com/ambiyansyah-risyal/revalida/store/filestore"
	"github.com/ambiyansyah-risyal/revalida/store/redisstore"
	"github.com/ambiyansyah-risyal/revalida/store/sqlitestore"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitAbsent       = 1
	ExitUsageError   = 2
	ExitRuntimeError = 4
)

var (
	flagConfig    string
	flagVerbose   int
	flagStore     string
	flagStorePath string
)

// exitCode is set by command handlers to control the process exit code.
var exitCode = ExitSuccess

var rootCmd = &cobra.Command{
	Use:           "revalida",
	Short:         "Caching HTTP client with conditional revalidation",
	Long:          "revalida fetches URLs through a persistent cache, revalidating stale entries with If-None-Match and If-Modified-Since.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print revalida version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), revalida.ReadBuildInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "Verbosity: -v debug, -vv trace")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Cache backend: memory, file, sqlite or redis")
	rootCmd.PersistentFlags().StringVar(&flagStorePath, "store-path", "", "Directory, database file or Redis address for the store")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(optionsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Run executes the root command and returns an exit code.
func Run() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	exitCode = ExitSuccess
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if exitCode == ExitSuccess {
			exitCode = ExitRuntimeError
		}
	}
	return exitCode
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		exitCode = ExitUsageError
		return cfg, err
	}
	if flagStore != "" {
		cfg.Store.Kind = flagStore
	}
	if flagStorePath != "" {
		cfg.Store.Path = flagStorePath
	}
	if err := cfg.Validate(); err != nil {
		exitCode = ExitUsageError
		return cfg, err
	}
	return cfg, nil
}

func newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case flagVerbose >= 2:
		level = zerolog.TraceLevel
	case flagVerbose == 1:
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreFile:
		return filestore.Open(cfg.Path)
	case config.StoreSQLite:
		return sqlitestore.Open(cfg.Path)
	case config.StoreRedis:
		var opts []redisstore.Option
		if cfg.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.Prefix))
		}
		return redisstore.Open(ctx, cfg.Path, opts...)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// newClient builds a client for cfg. registry may be nil to disable metrics.
func newClient(ctx context.Context, cfg config.Config, logger zerolog.Logger, registry prometheus.Registerer) (*revalida.Client, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Kind, err)
	}

	opts := append(cfg.Options(), revalida.WithStore(st), revalida.WithLogger(logger))
	if registry != nil {
		opts = append(opts, revalida.WithMetricsRegistry(registry))
	}

	client := revalida.New(opts...)
	if !client.IsValid() {
		_ = client.Close()
		return nil, client.ValidationError()
	}
	return client, nil
}
