// Package metrics describes the host the backend runs on, so unpacking
// limits can be checked against it at startup.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/fwlab/fact/common/config"
)

// Host is the capacity of the machine
type Host struct {
	Hostname         string
	OS               string
	Arch             string
	CPUs             int
	TotalMemoryMB    uint64
	InContainer      bool
	ContainerRuntime string
}

// CaptureHost gathers host information; unknown values are left zero
func CaptureHost() *Host {
	h := &Host{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		h.Hostname = hostname
	} else {
		h.Hostname = "unknown"
	}

	h.InContainer, h.ContainerRuntime = detectContainer()

	if f, err := os.Open("/proc/meminfo"); err == nil {
		h.TotalMemoryMB = parseMemTotal(f)
		f.Close()
	}
	return h
}

// detectContainer checks if running in a container
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		for _, name := range []string{"docker", "kubepods", "containerd"} {
			if strings.Contains(content, name) {
				if name == "kubepods" {
					return true, "kubernetes"
				}
				return true, name
			}
		}
	}
	return false, ""
}

// parseMemTotal reads MemTotal in MB from /proc/meminfo content
func parseMemTotal(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			var kb uint64
			if _, err := fmt.Sscanf(fields[1], "%d", &kb); err == nil {
				return kb / 1024
			}
		}
	}
	return 0
}

// UnpackWarnings reports unpacking settings the host cannot back
func (h *Host) UnpackWarnings(cfg config.UnpackConfig) []string {
	var warnings []string
	if h.TotalMemoryMB > 0 && uint64(cfg.MemoryLimitMB) > h.TotalMemoryMB {
		warnings = append(warnings, fmt.Sprintf(
			"unpack memory limit %d MB exceeds host memory %d MB", cfg.MemoryLimitMB, h.TotalMemoryMB))
	}
	if h.CPUs > 0 && cfg.Threads > 4*h.CPUs {
		warnings = append(warnings, fmt.Sprintf(
			"%d unpacking threads on %d cpus", cfg.Threads, h.CPUs))
	}
	return warnings
}
