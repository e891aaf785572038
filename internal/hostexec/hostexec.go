// Package hostexec runs shell commands on the local machine or on a remote host.
package hostexec

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
)

// RunFunc executes a command on a host and returns stdout, stderr, exit code, and error.
// A non-zero exit code is not an error; err is reserved for transport failures.
type RunFunc func(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

// NewLocal returns a RunFunc that executes commands locally via bash.
func NewLocal() RunFunc {
	return func(ctx context.Context, command string) (string, string, int, error) {
		return runCmd(exec.CommandContext(ctx, "bash", "-c", command))
	}
}

// NewSSH returns a RunFunc that shells out to the OpenSSH client, so the
// operator's agent, ssh_config and known_hosts apply. keyPath is optional.
func NewSSH(addr, user string, port int, keyPath string) RunFunc {
	return func(ctx context.Context, command string) (string, string, int, error) {
		args := []string{
			"-o", "StrictHostKeyChecking=accept-new",
			"-o", "ConnectTimeout=15",
			"-o", "BatchMode=yes",
		}
		if keyPath != "" {
			args = append(args, "-i", keyPath)
		}
		if port != 0 && port != 22 {
			args = append(args, "-p", fmt.Sprintf("%d", port))
		}
		args = append(args, fmt.Sprintf("%s@%s", user, addr), "--", command)

		return runCmd(exec.CommandContext(ctx, "ssh", args...))
	}
}

func runCmd(cmd *exec.Cmd) (string, string, int, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.String(), stderr.String(), 1, err
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// WithSudo wraps a RunFunc to execute commands with sudo via base64 encoding.
// Pipelines and command substitutions then run entirely under sudo.
func WithSudo(run RunFunc) RunFunc {
	return func(ctx context.Context, command string) (string, string, int, error) {
		encoded := base64.StdEncoding.EncodeToString([]byte(command))
		return run(ctx, fmt.Sprintf("echo %s | base64 -d | sudo bash", encoded))
	}
}
