package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshagent/internal/config"
	"github.com/tunnelmesh/meshagent/internal/engine"
	"github.com/tunnelmesh/meshagent/internal/events"
	"github.com/tunnelmesh/meshagent/internal/metrics"
)

// secretEnv supplies the secret without exposing it in process listings.
const secretEnv = "MESHAGENT_SECRET"

const collectInterval = 15 * time.Second

// runFlags mirror the config file; only flags set on the command line
// override it.
type runFlags struct {
	name                       string
	secret                     string
	secretFile                 string
	urls                       []string
	direct                     string
	instanceIdentity           string
	protocols                  string
	disabledProtocols          []string
	noReconnect                bool
	noKeepAlive                bool
	tunnel                     string
	credentials                string
	proxyCredentials           string
	disableHTTPSCertValidation bool
	certs                      []string
	sshKey                     string
	metricsListen              string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the master and stay connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			setupLogging(os.Stderr, cfg.Log)

			ctx, cancel := signalContext()
			defer cancel()
			return runAgent(ctx, cfg, logFormat != "json" && cfg.Log.Format != "json")
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.name, "name", "n", "", "agent name")
	flags.StringVar(&f.secret, "secret", "", "agent secret (or set "+secretEnv+")")
	flags.StringVar(&f.secretFile, "secret-file", "", "file holding the agent secret")
	flags.StringArrayVar(&f.urls, "url", nil, "master base URL, repeatable (http, https or srv)")
	flags.StringVar(&f.direct, "direct", "", "agent listener host:port, skips discovery")
	flags.StringVar(&f.instanceIdentity, "instance-identity", "", "base64 public key of the direct listener")
	flags.StringVar(&f.protocols, "protocols", "", "comma separated protocols the direct listener supports")
	flags.StringArrayVar(&f.disabledProtocols, "disable-protocol", nil, "protocol that must not be tried, repeatable")
	flags.BoolVar(&f.noReconnect, "no-reconnect", false, "exit once the connection closes")
	flags.BoolVar(&f.noKeepAlive, "no-keep-alive", false, "disable TCP keep-alive")
	flags.StringVar(&f.tunnel, "tunnel", "", "connect through HOST:PORT instead of the advertised address")
	flags.StringVar(&f.credentials, "credentials", "", "user:password for the discovery endpoint")
	flags.StringVar(&f.proxyCredentials, "proxy-credentials", "", "user:password for the HTTP proxy")
	flags.BoolVar(&f.disableHTTPSCertValidation, "disable-https-cert-validation", false, "skip certificate checks during discovery")
	flags.StringArrayVar(&f.certs, "cert", nil, "PEM certificate trusted for discovery, repeatable")
	flags.StringVar(&f.sshKey, "ssh-key", "", "client key offered by SSH-connect, generated when missing")
	flags.StringVar(&f.metricsListen, "metrics-listen", "", "serve /metrics and /health on this address")

	return cmd
}

// loadRunConfig reads --config when given and applies the flags that were set.
func loadRunConfig(f *runFlags, changed func(string) bool) (*config.AgentConfig, error) {
	cfg := &config.AgentConfig{}
	if cfgFile != "" {
		loaded, err := config.LoadAgentConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyRunFlags(cfg, f, changed)
	if cfg.Secret == "" && cfg.SecretFile == "" {
		cfg.Secret = os.Getenv(secretEnv)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyRunFlags(cfg *config.AgentConfig, f *runFlags, changed func(string) bool) {
	if changed("name") {
		cfg.Name = f.name
	}
	if changed("secret") {
		cfg.Secret = f.secret
		cfg.SecretFile = ""
	}
	if changed("secret-file") {
		cfg.SecretFile = f.secretFile
		cfg.Secret = ""
	}
	if changed("url") {
		cfg.URLs = f.urls
		cfg.Direct = ""
	}
	if changed("direct") {
		cfg.Direct = f.direct
		cfg.URLs = nil
	}
	if changed("instance-identity") {
		cfg.InstanceIdentity = f.instanceIdentity
	}
	if changed("protocols") {
		cfg.Protocols = splitList(f.protocols)
	}
	if changed("disable-protocol") {
		cfg.DisabledProtocols = f.disabledProtocols
	}
	if changed("no-reconnect") {
		cfg.NoReconnect = f.noReconnect
	}
	if changed("no-keep-alive") {
		cfg.Transport.NoKeepAlive = f.noKeepAlive
	}
	if changed("tunnel") {
		cfg.Tunnel = f.tunnel
	}
	if changed("credentials") {
		cfg.Credentials = f.credentials
	}
	if changed("proxy-credentials") {
		cfg.ProxyCredentials = f.proxyCredentials
	}
	if changed("disable-https-cert-validation") {
		cfg.DisableHTTPSCertValidation = f.disableHTTPSCertValidation
	}
	if changed("cert") {
		cfg.Certificates = f.certs
	}
	if changed("ssh-key") {
		cfg.SSHKey = f.sshKey
	}
	if changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runAgent runs the engine until it exits or ctx is cancelled.
func runAgent(ctx context.Context, cfg *config.AgentConfig, interactive bool) error {
	m := metrics.InitMetrics(cfg.Name, Version)

	engineCfg, err := cfg.EngineConfig(m)
	if err != nil {
		return err
	}

	var sink events.Sink = events.NewLogSink(nil)
	if interactive {
		sink = events.NewConsoleSink(os.Stdout)
	}
	e, err := engine.New(engineCfg, sink)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	collector := metrics.NewCollector(m, metrics.CollectorConfig{Streams: e, Connection: e})
	go collector.Run(ctx, collectInterval)

	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           newHTTPMux(e),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsListen).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("agent", cfg.Name).
		Str("version", Version).
		Msg("agent starting")

	err = e.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("agent stopped")
		return nil
	}
	return err
}

// stateSource is the part of the engine the health endpoint reads.
type stateSource interface {
	State() engine.State
	ConnectedSince() time.Time
}

type healthResponse struct {
	Status         string     `json:"status"`
	State          string     `json:"state"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

func newHTTPMux(src stateSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := src.State()
		resp := healthResponse{Status: "ok", State: state.String()}
		if since := src.ConnectedSince(); !since.IsZero() {
			resp.ConnectedSince = &since
		}

		code := http.StatusOK
		if state.IsTerminal() {
			resp.Status = "exited"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
