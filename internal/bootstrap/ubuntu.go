package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/hostexec"
	"github.com/flapmax/measure-remote/internal/markers"
)

const (
	ubuntuGPGKey = "curl -fsSL https://download.docker.com/linux/ubuntu/gpg | gpg --batch --yes --dearmor -o /usr/share/keyrings/docker-archive-keyring.gpg"
	ubuntuRepo   = `echo "deb [arch=amd64 signed-by=/usr/share/keyrings/docker-archive-keyring.gpg] https://download.docker.com/linux/ubuntu $(lsb_release -cs) stable" | tee /etc/apt/sources.list.d/docker.list > /dev/null`
)

type ubuntu struct{}

func (ubuntu) OS() hostconn.OS { return hostconn.OSUbuntu }

func (ubuntu) RuntimeInstalled(ctx context.Context, run hostexec.RunFunc) (bool, error) {
	_, stderr, _, err := run(ctx, "dpkg -s docker-ce")
	if err != nil {
		return false, err
	}
	return !markers.ContainsLine(stderr, markers.DpkgDockerMissing), nil
}

func (ubuntu) InstallSteps() []Step {
	return []Step{
		{
			Name:     "Remove legacy packages",
			Commands: []string{"sudo apt-get remove -y docker docker-engine docker.io containerd runc"},
			Optional: true,
		},
		{
			Name:     "Update package index",
			Commands: []string{"sudo apt-get update"},
		},
		{
			Name:     "Install prerequisites",
			Commands: []string{"sudo apt-get install -y apt-transport-https ca-certificates curl gnupg lsb-release"},
		},
		{
			Name:     "Add Docker GPG key",
			Commands: []string{ubuntuGPGKey},
			Execute: func(ctx context.Context, run hostexec.RunFunc) error {
				return mustSucceed(ctx, hostexec.WithSudo(run), ubuntuGPGKey)
			},
		},
		{
			Name:     "Add Docker apt repository",
			Commands: []string{ubuntuRepo},
			Execute: func(ctx context.Context, run hostexec.RunFunc) error {
				return mustSucceed(ctx, hostexec.WithSudo(run), ubuntuRepo)
			},
		},
		{
			Name:     "Refresh package index",
			Commands: []string{"sudo apt-get update"},
		},
		{
			Name:     "Install Docker Engine",
			Commands: []string{"sudo apt-get install -y docker-ce docker-ce-cli containerd.io"},
		},
	}
}

func (ubuntu) OpenPort(ctx context.Context, run hostexec.RunFunc, port int) error {
	stdout, stderr, _, err := run(ctx, fmt.Sprintf("sudo ufw allow %d/tcp", port))
	if err != nil {
		return err
	}
	if !markers.UFWPortOpen(stdout) {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "ufw did not confirm the rule"
		}
		return errors.New(msg)
	}
	return nil
}
