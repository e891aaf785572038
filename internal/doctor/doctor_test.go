package doctor

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	stdout string
	code   int
}

// fakeHost answers the first rule whose substring matches the command.
type fakeHost struct {
	rules []struct {
		match string
		reply reply
	}
	fallback reply
}

func (h *fakeHost) on(match string, r reply) *fakeHost {
	h.rules = append(h.rules, struct {
		match string
		reply reply
	}{match, r})
	return h
}

func (h *fakeHost) run(_ context.Context, command string) (string, string, int, error) {
	for _, r := range h.rules {
		if strings.Contains(command, r.match) {
			return r.reply.stdout, "", r.reply.code, nil
		}
	}
	return h.fallback.stdout, "", h.fallback.code, nil
}

var target = Target{Image: "measure-remote:latest", Port: 4000}

func healthyUbuntu() *fakeHost {
	return (&fakeHost{}).
		on("/etc/os-release", reply{stdout: "NAME=\"Ubuntu\"\nVERSION=\"22.04.3 LTS (Jammy Jellyfish)\"\n"}).
		on("sudo -n true", reply{}).
		on("which docker", reply{stdout: "/usr/bin/docker\n"}).
		on("systemctl is-active docker", reply{stdout: "active\n"}).
		on("docker image inspect", reply{stdout: "sha256:abc\n"}).
		on("ufw status", reply{stdout: "Status: active\n\nTo Action From\n4000/tcp ALLOW Anywhere\n"})
}

func TestRunAllAllPass(t *testing.T) {
	results := RunAll(context.Background(), healthyUbuntu().run, target)
	require.Len(t, results, 6)
	for _, r := range results {
		assert.True(t, r.Passed, "check %s should pass: %s", r.Name, r.Message)
	}
}

func TestRunAllBareHost(t *testing.T) {
	host := (&fakeHost{fallback: reply{code: 1}}).
		on("/etc/os-release", reply{stdout: "NAME=\"Debian GNU/Linux\"\n"}).
		on("systemctl is-active docker", reply{stdout: "inactive\n", code: 3}).
		on("ufw status", reply{stdout: "Status: active\n"})

	results := RunAll(context.Background(), host.run, target)
	require.Len(t, results, 6)
	for _, r := range results {
		assert.False(t, r.Passed, "check %s should fail", r.Name)
		assert.NotEmpty(t, r.FixCmd, "failed check %s should have a fix command", r.Name)
	}
}

func TestCheckJobPort(t *testing.T) {
	t.Run("firewalld allows port", func(t *testing.T) {
		host := (&fakeHost{}).
			on("ufw status", reply{code: 1}).
			on("firewall-cmd --state", reply{stdout: "running\n"}).
			on("firewall-cmd --list-ports", reply{stdout: "22/tcp 4000/tcp\n"})
		r := checkJobPort(context.Background(), host.run, target)
		assert.True(t, r.Passed)
	})

	t.Run("firewalld missing port", func(t *testing.T) {
		host := (&fakeHost{}).
			on("ufw status", reply{code: 1}).
			on("firewall-cmd --state", reply{stdout: "running\n"}).
			on("firewall-cmd --list-ports", reply{stdout: "\n"})
		r := checkJobPort(context.Background(), host.run, target)
		assert.False(t, r.Passed)
		assert.Contains(t, r.FixCmd, "--add-port=4000/tcp")
	})

	t.Run("no firewall", func(t *testing.T) {
		host := (&fakeHost{}).
			on("ufw status", reply{stdout: "Status: inactive\n"}).
			on("firewall-cmd --state", reply{stdout: "not running\n", code: 252})
		r := checkJobPort(context.Background(), host.run, target)
		assert.True(t, r.Passed)
		assert.Equal(t, "no active firewall", r.Message)
	})
}

func TestCheckOSReportsFamily(t *testing.T) {
	host := (&fakeHost{}).on("/etc/os-release", reply{stdout: "NAME=\"CentOS Linux\"\nVERSION=\"7 (Core)\"\n"})
	r := checkOS(context.Background(), host.run, target)
	assert.True(t, r.Passed)
	assert.Contains(t, r.Message, "CentOS")
}

func TestPrintResults(t *testing.T) {
	t.Run("all pass", func(t *testing.T) {
		var buf bytes.Buffer
		ok := PrintResults([]CheckResult{
			{Name: "a", Passed: true, Message: "check 1 ok"},
			{Name: "b", Passed: true, Message: "check 2 ok"},
		}, &buf, false)
		assert.True(t, ok)
		assert.Contains(t, buf.String(), "2/2 passed")
	})

	t.Run("failures show fix", func(t *testing.T) {
		var buf bytes.Buffer
		ok := PrintResults([]CheckResult{
			{Name: "a", Passed: true, Message: "check 1 ok"},
			{Name: "b", Message: "check 2 failed", FixCmd: "fix it"},
		}, &buf, true)
		assert.False(t, ok)
		assert.Contains(t, buf.String(), "check 2 failed")
		assert.Contains(t, buf.String(), "Fix: fix it")
		assert.Contains(t, buf.String(), "1/2 passed, 1 failed")
	})
}
