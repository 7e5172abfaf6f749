// Package svc runs and manages meshagent as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultServiceName is the service name used when none is given.
const DefaultServiceName = "meshagent"

// RunFunc runs the agent until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("run function not configured")
			return
		}
		err := p.Run(p.ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("agent stopped")
		}
		p.done <- err
	}()

	return nil
}

// Stop cancels the agent and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// DefaultConfig returns the service configuration for name, falling back to
// DefaultServiceName and the platform config path.
func DefaultConfig(name, configPath string) *ServiceConfig {
	if name == "" {
		name = DefaultServiceName
	}
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	return &ServiceConfig{
		Name:        name,
		DisplayName: "Mesh Agent",
		Description: "Keeps this machine connected to its master as a remoting agent",
		ConfigPath:  configPath,
	}
}

// DefaultConfigPath returns the platform default agent config file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "meshagent", "agent.yaml")
	}
	return "/etc/meshagent/agent.yaml"
}

// NewServiceConfig creates a service.Config that starts execPath in service mode.
func NewServiceConfig(cfg *ServiceConfig, execPath string) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Executable:  execPath,
		Arguments:   []string{"--service-run", "run", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	return service.New(prg, NewServiceConfig(cfg, execPath))
}

func control(cfg *ServiceConfig) (service.Service, error) {
	s, err := CreateService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is replaced only
// when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action ("start", "stop" or "restart") to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	switch action {
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "restart":
		err = s.Restart()
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the program under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user can manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer error when not elevated.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode returns true if args carry the --service-run flag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
