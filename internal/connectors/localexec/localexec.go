// Package localexec provides an execution channel that runs an allowlisted
// local hook command with the payload on stdin.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/lexgate/internal/connectors"
)

// RequestIDEnv carries the execution request id into the hook's environment.
const RequestIDEnv = "LEXGATE_REQUEST_ID"

// Hook describes the command behind a channel.
type Hook struct {
	Command string
	Args    []string
	WorkDir string
	Timeout time.Duration
}

// LocalExec implements connectors.Channel for a local hook command.
type LocalExec struct {
	name    string
	hook    Hook
	allowed map[string]bool
}

// New creates a channel named name. The hook command must be in allowed.
func New(name string, hook Hook, allowed []string) (*LocalExec, error) {
	l := &LocalExec{
		name:    name,
		hook:    hook,
		allowed: make(map[string]bool, len(allowed)),
	}
	for _, cmd := range allowed {
		l.allowed[cmd] = true
	}
	if !l.IsAllowed(hook.Command) {
		return nil, fmt.Errorf("command not allowed: %s", hook.Command)
	}
	return l, nil
}

// Name returns the channel identifier.
func (l *LocalExec) Name() string {
	return l.name
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string) bool {
	return cmd != "" && l.allowed[cmd]
}

// Deliver runs the hook once. A non-zero exit is a failed delivery; the
// outcome is still returned so callers can record stderr.
func (l *LocalExec) Deliver(ctx context.Context, requestID, payload string) (*connectors.DeliveryOutcome, error) {
	if !l.IsAllowed(l.hook.Command) {
		return nil, fmt.Errorf("command not allowed: %s %s", l.hook.Command, strings.Join(l.hook.Args, " "))
	}

	if l.hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.hook.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, l.hook.Command, l.hook.Args...)
	if l.hook.WorkDir != "" {
		execCmd.Dir = l.hook.WorkDir
	}
	execCmd.Env = append(os.Environ(), RequestIDEnv+"="+requestID)
	execCmd.Stdin = strings.NewReader(payload)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	out := &connectors.DeliveryOutcome{
		Channel: l.name,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			out.ExitCode = exitError.ExitCode()
			return out, fmt.Errorf("hook %s exited with code %d", l.hook.Command, out.ExitCode)
		}
		return nil, fmt.Errorf("exec error: %w", err)
	}
	return out, nil
}
