package doctor

import (
	"context"
	"fmt"
	"strings"

	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/hostexec"
)

type check struct {
	name string
	fn   func(ctx context.Context, run hostexec.RunFunc, target Target) CheckResult
}

func allChecks() []check {
	return []check{
		{"os-supported", checkOS},
		{"sudo-nopasswd", checkSudo},
		{"docker-installed", checkDockerInstalled},
		{"docker-active", checkDockerActive},
		{"job-image", checkJobImage},
		{"job-port", checkJobPort},
	}
}

func checkOS(ctx context.Context, run hostexec.RunFunc, _ Target) CheckResult {
	family, err := hostconn.DetectOS(ctx, run)
	if err != nil {
		return CheckResult{
			Name:     "os-supported",
			Category: "os",
			Message:  fmt.Sprintf("unsupported OS: %v", err),
			FixCmd:   "use an Ubuntu or CentOS Linux host",
		}
	}
	return CheckResult{
		Name:     "os-supported",
		Category: "os",
		Passed:   true,
		Message:  fmt.Sprintf("%s detected", family),
	}
}

func checkSudo(ctx context.Context, run hostexec.RunFunc, _ Target) CheckResult {
	_, _, code, err := run(ctx, "sudo -n true")
	if err == nil && code == 0 {
		return CheckResult{
			Name:     "sudo-nopasswd",
			Category: "privileges",
			Passed:   true,
			Message:  "passwordless sudo available",
		}
	}
	return CheckResult{
		Name:     "sudo-nopasswd",
		Category: "privileges",
		Message:  "sudo requires a password",
		FixCmd:   "register the environment with a password so the sudoers entry is added",
	}
}

func checkDockerInstalled(ctx context.Context, run hostexec.RunFunc, _ Target) CheckResult {
	_, _, code, err := run(ctx, "which docker")
	if err == nil && code == 0 {
		return CheckResult{
			Name:     "docker-installed",
			Category: "runtime",
			Passed:   true,
			Message:  "docker binary found",
		}
	}
	return CheckResult{
		Name:     "docker-installed",
		Category: "runtime",
		Message:  "docker binary not found",
		FixCmd:   "measure-remote provision <host>",
	}
}

func checkDockerActive(ctx context.Context, run hostexec.RunFunc, _ Target) CheckResult {
	stdout, _, _, _ := run(ctx, "systemctl is-active docker 2>/dev/null")
	if strings.TrimSpace(stdout) == "active" {
		return CheckResult{
			Name:     "docker-active",
			Category: "runtime",
			Passed:   true,
			Message:  "docker service active",
		}
	}
	return CheckResult{
		Name:     "docker-active",
		Category: "runtime",
		Message:  "docker service not active",
		FixCmd:   "sudo systemctl enable --now docker",
	}
}

func checkJobImage(ctx context.Context, run hostexec.RunFunc, target Target) CheckResult {
	_, _, code, err := run(ctx, "sudo docker image inspect --format '{{.Id}}' "+target.Image)
	if err == nil && code == 0 {
		return CheckResult{
			Name:     "job-image",
			Category: "image",
			Passed:   true,
			Message:  fmt.Sprintf("job image %s present", target.Image),
		}
	}
	return CheckResult{
		Name:     "job-image",
		Category: "image",
		Message:  fmt.Sprintf("job image %s missing", target.Image),
		FixCmd:   "sudo docker pull " + target.Image,
	}
}

// checkJobPort accepts either firewall front end; a host with neither
// active has nothing blocking the port.
func checkJobPort(ctx context.Context, run hostexec.RunFunc, target Target) CheckResult {
	rule := fmt.Sprintf("%d/tcp", target.Port)
	pass := func(msg string) CheckResult {
		return CheckResult{Name: "job-port", Category: "network", Passed: true, Message: msg}
	}

	ufw, _, _, _ := run(ctx, "sudo ufw status 2>/dev/null")
	if strings.Contains(ufw, "Status: active") {
		if strings.Contains(ufw, rule) {
			return pass(fmt.Sprintf("port %s allowed by ufw", rule))
		}
		return CheckResult{
			Name:     "job-port",
			Category: "network",
			Message:  fmt.Sprintf("port %s not allowed by ufw", rule),
			FixCmd:   "sudo ufw allow " + rule,
		}
	}

	state, _, _, _ := run(ctx, "sudo firewall-cmd --state 2>/dev/null")
	if strings.TrimSpace(state) == "running" {
		ports, _, _, _ := run(ctx, "sudo firewall-cmd --list-ports 2>/dev/null")
		if strings.Contains(ports, rule) {
			return pass(fmt.Sprintf("port %s allowed by firewalld", rule))
		}
		return CheckResult{
			Name:     "job-port",
			Category: "network",
			Message:  fmt.Sprintf("port %s not allowed by firewalld", rule),
			FixCmd:   fmt.Sprintf("sudo firewall-cmd --permanent --add-port=%s && sudo firewall-cmd --reload", rule),
		}
	}

	return pass("no active firewall")
}
