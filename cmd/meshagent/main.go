// meshagent keeps a machine connected to its master as a remoting agent.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshagent/internal/config"
	"github.com/tunnelmesh/meshagent/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Hidden, set when started by the service manager.
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshagent",
		Short: "meshagent - remoting agent for a mesh master",
		Long: `meshagent connects this machine to a master as a remoting agent and
keeps it connected, reconnecting whenever the connection drops.

QUICK START:

  # Discover the agent listener through the master's HTTP endpoint:
  meshagent run --url https://master.example.com/ --name build-01 --secret-file ~/.meshagent/secret

  # Connect straight to a known agent listener:
  meshagent run --direct master.example.com:50000 --name build-01 --secret <secret>

  # Or keep everything in a config file and install as a service:
  sudo meshagent service install --config /etc/meshagent/agent.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML or TOML)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (default info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	})

	return rootCmd
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "meshagent %s\n", Version)
	_, _ = fmt.Fprintf(w, "  Commit:     %s\n", Commit)
	_, _ = fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	_, _ = fmt.Fprintf(w, "  Go:         %s\n", runtime.Version())
	_, _ = fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// setupLogging configures the global logger. Flags win over the config file.
func setupLogging(w io.Writer, cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	levelName := cfg.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	format := cfg.Format
	if logFormat != "" {
		format = logFormat
	}
	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// runAsService runs the agent under the service manager, which starts the
// binary with --service-run.
func runAsService() {
	setupLogging(os.Stderr, config.LogConfig{})

	configPath := ""
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: configPath,
		Run:        runFromService,
	}
	if err := svc.Run(prg, svc.DefaultConfig("", configPath)); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func runFromService(ctx context.Context, configPath string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, cfg.Log)
	return runAgent(ctx, cfg, false)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
