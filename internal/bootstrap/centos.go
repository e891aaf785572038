package bootstrap

import (
	"context"
	"fmt"

	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/hostexec"
	"github.com/flapmax/measure-remote/internal/markers"
)

type centos struct{}

func (centos) OS() hostconn.OS { return hostconn.OSCentOS }

func (centos) RuntimeInstalled(ctx context.Context, run hostexec.RunFunc) (bool, error) {
	_, stderr, _, err := run(ctx, "yum list installed docker-ce")
	if err != nil {
		return false, err
	}
	return !markers.ContainsLine(stderr, markers.YumDockerMissing), nil
}

func (centos) InstallSteps() []Step {
	return []Step{
		{
			Name: "Remove legacy packages",
			Commands: []string{"sudo yum remove -y docker docker-client docker-client-latest docker-common " +
				"docker-latest docker-latest-logrotate docker-logrotate docker-engine"},
			Optional: true,
		},
		{
			Name:     "Install yum-utils",
			Commands: []string{"sudo yum install -y yum-utils"},
		},
		{
			Name:     "Add docker-ce repository",
			Commands: []string{"sudo yum-config-manager --add-repo https://download.docker.com/linux/centos/docker-ce.repo"},
		},
		{
			Name:     "Install Docker Engine",
			Commands: []string{"sudo yum -y install docker-ce docker-ce-cli containerd.io"},
		},
		{
			Name:     "Start Docker",
			Commands: []string{"sudo systemctl start docker"},
		},
	}
}

// OpenPort starts firewalld, adds the port permanently and reloads. Both
// firewall-cmd calls must print success.
func (centos) OpenPort(ctx context.Context, run hostexec.RunFunc, port int) error {
	if _, _, _, err := run(ctx, "sudo systemctl start firewalld"); err != nil {
		return err
	}
	for _, cmd := range []string{
		fmt.Sprintf("sudo firewall-cmd --permanent --add-port=%d/tcp", port),
		"sudo firewall-cmd --reload",
	} {
		stdout, stderr, _, err := run(ctx, cmd)
		if err != nil {
			return err
		}
		if !markers.FirewalldSucceeded(stdout) {
			return fmt.Errorf("%s: %s", cmd, stderr)
		}
	}
	return nil
}
