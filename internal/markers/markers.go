// Package markers holds every literal string the system scans remote command
// output and log streams for. Tool upgrades change wording; keep all of it here.
package markers

import (
	"strings"
)

// OSReleaseCommand prints the NAME and VERSION lines of /etc/os-release.
const OSReleaseCommand = "egrep '^(VERSION|NAME)=' /etc/os-release"

// Distribution names as reported in the NAME field of /etc/os-release.
const (
	OSNameUbuntu = "Ubuntu"
	OSNameCentOS = "CentOS Linux"
)

const (
	// DpkgDockerMissing is printed to stderr by `dpkg -s docker-ce` when absent.
	DpkgDockerMissing = "package 'docker-ce' is not installed"
	// YumDockerMissing is printed to stderr by `yum list installed docker-ce` when absent.
	YumDockerMissing = "No matching Packages to list"

	// HelloWorldOK is printed by the hello-world image on a working install.
	HelloWorldOK = "This message shows that your installation appears to be working correctly."

	// UFWRuleAdded and UFWRuleExists are the two ufw outcomes that leave the port open.
	UFWRuleAdded  = "Rules updated"
	UFWRuleExists = "Skipping adding existing rule"

	// FirewalldOK is printed by firewall-cmd on success.
	FirewalldOK = "success"

	// TunnelReady is logged by OpenVPN once the tunnel is up.
	TunnelReady = "Initialization Sequence Completed"

	// sshAuthFailed is the x/crypto/ssh handshake error for rejected credentials.
	sshAuthFailed = "unable to authenticate"
)

// ParseOSName returns the unquoted NAME value from os-release output, or "".
func ParseOSName(output string) string {
	for _, line := range strings.Split(output, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || k != "NAME" {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), "\"")
	}
	return ""
}

// ContainsLine reports whether any line of output contains marker.
func ContainsLine(output, marker string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// HelloWorldSucceeded reports whether hello-world output shows a working runtime.
func HelloWorldSucceeded(stdout string) bool {
	return ContainsLine(stdout, HelloWorldOK)
}

// UFWPortOpen reports whether `ufw allow` left the rule in place.
func UFWPortOpen(stdout string) bool {
	return ContainsLine(stdout, UFWRuleAdded) || ContainsLine(stdout, UFWRuleExists)
}

// FirewalldSucceeded reports whether a firewall-cmd invocation printed success.
func FirewalldSucceeded(stdout string) bool {
	return ContainsLine(stdout, FirewalldOK)
}

// IsTunnelReady reports whether a single log line signals tunnel readiness.
func IsTunnelReady(line string) bool {
	return strings.Contains(line, TunnelReady)
}

// IsSSHAuthFailure reports whether an SSH handshake error means bad credentials.
func IsSSHAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), sshAuthFailed)
}
