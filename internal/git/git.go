// Package git drives the external git CLI for mirrorkeep.
//
// Commands are always invoked with explicit argument vectors, never a
// shell string, so project and branch names cannot inject anything.
// Network operations authenticate through an ephemeral askpass helper
// written once at startup with owner-only permissions.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes one git subcommand against a working directory and
// returns its combined, trimmed output. extraEnv entries are appended to
// the inherited environment. A non-zero exit surfaces as *CommandError.
type Runner interface {
	Run(ctx context.Context, dir string, args []string, extraEnv []string) (string, error)
}

// CommandError reports a git invocation that exited non-zero or failed
// to spawn. Output holds the combined stdout/stderr text.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CLI is the Runner backed by the real git binary.
type CLI struct{}

// Run implements Runner via exec.CommandContext.
func (CLI) Run(ctx context.Context, dir string, args []string, extraEnv []string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		return text, &CommandError{Args: args, Output: text, Err: err}
	}
	return text, nil
}

// WriteAskPass writes the credential helper script into dir with
// owner-only permissions and returns its path. Git invokes the script
// with a prompt argument; it answers the username prompt with username
// and everything else with the secret.
func WriteAskPass(dir, username, secret string) (string, error) {
	script := fmt.Sprintf(`#!/bin/sh
case "$1" in
Username*) echo %q ;;
*) echo %q ;;
esac
`, username, secret)

	path := filepath.Join(dir, "mirrorkeep-askpass.sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("failed to write askpass helper: %w", err)
	}
	return path, nil
}

// NetworkEnv returns the environment overrides that route git credential
// prompts through the askpass helper instead of the terminal.
func NetworkEnv(askpassPath string) []string {
	return []string{
		"GIT_ASKPASS=" + askpassPath,
		"GIT_TERMINAL_PROMPT=0",
	}
}
