// Package sysactions executes host power and session actions (shutdown,
// restart, lock and friends) through per-OS command candidates.
package sysactions

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("sysactions")

// Action names accepted on the API surface.
const (
	ActionShutdown  = "shutdown"
	ActionRestart   = "restart"
	ActionLogoff    = "logoff"
	ActionLock      = "lock"
	ActionSleep     = "sleep"
	ActionHibernate = "hibernate"
)

// Known reports whether name is a supported action.
func Known(name string) bool {
	switch name {
	case ActionShutdown, ActionRestart, ActionLogoff, ActionLock, ActionSleep, ActionHibernate:
		return true
	}
	return false
}

// Runner executes actions with a per-command timeout. The exec function is a
// test seam; production uses execCommand.
type Runner struct {
	Timeout time.Duration
	exec    func(ctx context.Context, argv []string) error
}

// NewRunner builds a runner with the configured per-command timeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Runner{Timeout: timeout, exec: execCommand}
}

// Run tries each candidate command for the action in order and stops at the
// first success. All failures are reported together.
func (r *Runner) Run(ctx context.Context, action string) error {
	candidates := commandsFor(action, runtime.GOOS)
	if len(candidates) == 0 {
		return fmt.Errorf("action %s not supported on %s", action, runtime.GOOS)
	}

	var failures []string
	for _, argv := range candidates {
		cctx, cancel := context.WithTimeout(ctx, r.Timeout)
		err := r.exec(cctx, argv)
		cancel()
		if err == nil {
			log.Info("system action executed", "action", action, "cmd", argv[0])
			return nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", strings.Join(argv, " "), err))
	}
	return fmt.Errorf("action %s failed: %s", action, strings.Join(failures, "; "))
}

func execCommand(ctx context.Context, argv []string) error {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

// commandsFor lists candidate commands per action and OS, preferred first.
func commandsFor(action, goos string) [][]string {
	switch goos {
	case "windows":
		return windowsCommands(action)
	case "darwin":
		return darwinCommands(action)
	default:
		return linuxCommands(action)
	}
}

func windowsCommands(action string) [][]string {
	switch action {
	case ActionShutdown:
		return [][]string{{"shutdown", "/s", "/t", "0"}}
	case ActionRestart:
		return [][]string{{"shutdown", "/r", "/t", "0"}}
	case ActionLogoff:
		return [][]string{{"shutdown", "/l"}}
	case ActionLock:
		return [][]string{{"rundll32.exe", "user32.dll,LockWorkStation"}}
	case ActionSleep:
		return [][]string{{"rundll32.exe", "powrprof.dll,SetSuspendState", "0,1,0"}}
	case ActionHibernate:
		return [][]string{{"shutdown", "/h"}}
	}
	return nil
}

func darwinCommands(action string) [][]string {
	switch action {
	case ActionShutdown:
		return [][]string{{"osascript", "-e", `tell app "System Events" to shut down`}}
	case ActionRestart:
		return [][]string{{"osascript", "-e", `tell app "System Events" to restart`}}
	case ActionLogoff:
		return [][]string{{"osascript", "-e", `tell app "System Events" to log out`}}
	case ActionLock:
		return [][]string{{"pmset", "displaysleepnow"}}
	case ActionSleep:
		return [][]string{{"pmset", "sleepnow"}}
	}
	return nil
}

func linuxCommands(action string) [][]string {
	switch action {
	case ActionShutdown:
		return [][]string{
			{"systemctl", "poweroff"},
			{"shutdown", "-h", "now"},
		}
	case ActionRestart:
		return [][]string{
			{"systemctl", "reboot"},
			{"shutdown", "-r", "now"},
		}
	case ActionLogoff:
		var cmds [][]string
		if user := os.Getenv("USER"); user != "" {
			cmds = append(cmds, []string{"loginctl", "terminate-user", user})
		}
		return append(cmds, []string{"gnome-session-quit", "--logout", "--no-prompt"})
	case ActionLock:
		return [][]string{
			{"loginctl", "lock-session"},
			{"xdg-screensaver", "lock"},
		}
	case ActionSleep:
		return [][]string{
			{"systemctl", "suspend"},
		}
	case ActionHibernate:
		return [][]string{
			{"systemctl", "hibernate"},
		}
	}
	return nil
}
