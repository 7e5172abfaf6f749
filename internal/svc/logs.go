package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs streams the service logs to stdout using the platform log tool.
func ViewLogs(opts LogOptions) error {
	name, args, err := logsCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logsCommand returns the command that shows the logs of opts.ServiceName on goos.
func logsCommand(goos string, opts LogOptions) (string, []string, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd writes stdout and stderr to /var/log.
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName))
		return "tail", args, nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		if opts.Follow {
			return "", nil, fmt.Errorf("following logs is not supported on windows; use Event Viewer")
		}
		return "powershell", []string{"-NoProfile", "-Command", script}, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
