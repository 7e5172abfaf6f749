package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshagent/internal/config"
	"github.com/tunnelmesh/meshagent/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the meshagent system service",
		Long: `Install, control and inspect meshagent as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo meshagent service install --config /etc/meshagent/agent.yaml
  sudo meshagent service start
  sudo meshagent service status
  sudo meshagent service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default meshagent)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install meshagent as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the meshagent system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the meshagent service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := serviceConfig()
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s ok\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the meshagent service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			if err != nil {
				return fmt.Errorf("service %q: %w", cfg.Name, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s\n", cfg.Name, svc.StatusString(status))
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View meshagent service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultConfig(serviceName, cfgFile)
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr, config.LogConfig{})

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := serviceConfig()

	// The service would fail at start, so refuse an unusable config now.
	agentCfg, err := config.LoadAgentConfig(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w\nCreate the config file first or pass --config", err)
	}
	if err := agentCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfg.ConfigPath, err)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n  meshagent service start --name %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo view logs:\n  meshagent service logs --name %s\n", cfg.Name)
	return nil
}
