// Package sysinfo describes the running relay process for status reports.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the relay version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/trojan-relay/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info identifies the process behind a status report.
type Info struct {
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	PID       int    `json:"pid"`
	StartTime int64  `json:"start_time"`
}

// Collect gathers information about the current process.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   FullVersion(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
		StartTime: startTime.Unix(),
	}
}

// FullVersion returns Version, with the VCS revision appended for dev
// builds when the binary carries one.
func FullVersion() string {
	if Version != "dev" {
		return Version
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}

	var revision string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	v := Version + "-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
