package hostconn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const sudoersComment = "# Measure remote entry"

type inputRunner interface {
	RunWithInput(ctx context.Context, command, stdin string) (string, string, int, error)
}

// SudoersEntry returns the NOPASSWD rule granting user the binaries the
// bootstrap and container commands need on that OS family.
func SudoersEntry(family OS, user string) string {
	switch family {
	case OSCentOS:
		return fmt.Sprintf("%s ALL=(ALL) NOPASSWD: /usr/bin/systemctl, /usr/bin/yum, /usr/bin/docker, /usr/bin/firewall-cmd", user)
	default:
		return fmt.Sprintf("%s ALL=(ALL) NOPASSWD: /usr/bin/apt-get, /usr/sbin/ufw, /usr/bin/docker, /usr/bin/firewall-cmd", user)
	}
}

// ensureSudoers appends the entry through visudo unless /etc/sudoers already
// has it. sudo -S takes the password from the first stdin line and hands the
// rest to the command. When sudo would not prompt, the password is withheld so
// it never reaches the command's stdin.
func ensureSudoers(ctx context.Context, r inputRunner, user, password string, family OS, logger *slog.Logger) error {
	entry := SudoersEntry(family, user)

	sudo, pwLine := "sudo -n", ""
	_, _, code, err := r.RunWithInput(ctx, "sudo -n true", "")
	if err != nil {
		return fmt.Errorf("%w: probe sudo: %w", ErrPrivilegeSetup, err)
	}
	if code != 0 {
		// -k drops any cached timestamp so sudo always reads the password line.
		sudo, pwLine = "sudo -k -S -p ''", password+"\n"
	}

	stdout, stderr, _, err := r.RunWithInput(ctx, sudo+" cat /etc/sudoers", pwLine)
	if err != nil {
		return fmt.Errorf("%w: read sudoers: %w", ErrPrivilegeSetup, err)
	}
	if strings.TrimSpace(stderr) != "" {
		logger.Warn("sudoers read reported errors", "user", user, "stderr", strings.TrimSpace(stderr))
	}
	if strings.Contains(stdout, entry) {
		logger.Debug("sudoers entry present", "user", user)
		return nil
	}

	input := pwLine + "\n" + sudoersComment + "\n" + entry + "\n"
	_, stderr, code, err = r.RunWithInput(ctx, sudo+" EDITOR='tee -a' visudo", input)
	if err != nil {
		return fmt.Errorf("%w: append sudoers: %w", ErrPrivilegeSetup, err)
	}
	if code != 0 || strings.TrimSpace(stderr) != "" {
		logger.Error("sudoers append failed", "user", user, "exit_code", code, "stderr", strings.TrimSpace(stderr))
		return fmt.Errorf("%w: visudo exited %d", ErrPrivilegeSetup, code)
	}

	logger.Info("sudoers entry installed", "user", user, "os", family)
	return nil
}
