// Package hardware reads CPU and memory facts from a Linux host.
package hardware

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/flapmax/measure-remote/internal/hostexec"
)

// Info describes a host's compute capacity.
type Info struct {
	Processor string  `json:"processor"`
	Cores     int     `json:"cores"`
	RAMGB     float64 `json:"ram_gb"`
}

// Probe reads /proc/cpuinfo and /proc/meminfo through run.
func Probe(ctx context.Context, run hostexec.RunFunc) (Info, error) {
	cpu, _, code, err := run(ctx, "cat /proc/cpuinfo")
	if err != nil {
		return Info{}, fmt.Errorf("read cpuinfo: %w", err)
	}
	if code != 0 {
		return Info{}, fmt.Errorf("read cpuinfo: exit %d", code)
	}
	mem, _, code, err := run(ctx, "cat /proc/meminfo")
	if err != nil {
		return Info{}, fmt.Errorf("read meminfo: %w", err)
	}
	if code != 0 {
		return Info{}, fmt.Errorf("read meminfo: exit %d", code)
	}

	info := ParseCPUInfo(cpu)
	info.RAMGB, err = ParseMemTotalGB(mem)
	if err != nil {
		return Info{}, err
	}
	return info, nil
}

// ParseCPUInfo takes the last "model name" and "cpu cores" values. Every
// processor block repeats them.
func ParseCPUInfo(out string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "model name":
			info.Processor = strings.TrimSpace(v)
		case "cpu cores":
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				info.Cores = n
			}
		}
	}
	return info
}

// ParseMemTotalGB converts the MemTotal kB figure to whole decimal gigabytes.
func ParseMemTotalGB(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal %q: %w", fields[1], err)
		}
		return math.Round(float64(kb) / 1e6), nil
	}
	return 0, fmt.Errorf("MemTotal not found in meminfo")
}
