package ledger

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/host"
)

// Attestation records where an event was produced, so replayed ledgers can
// distinguish events from different hosts and runs.
type Attestation struct {
	Hostname      string `json:"hostname,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	BootTimeUnix  uint64 `json:"boot_time_unix,omitempty"`
	PID           int    `json:"pid"`
	GoOS          string `json:"goos"`
}

var (
	attestOnce   sync.Once
	attestCached Attestation
)

// CaptureAttestation samples host facts once per process; host probing is
// not free and the answer does not change while we run.
func CaptureAttestation() Attestation {
	attestOnce.Do(func() {
		attestCached = Attestation{PID: os.Getpid(), GoOS: runtime.GOOS}
		if info, err := host.Info(); err == nil && info != nil {
			attestCached.Hostname = info.Hostname
			attestCached.Platform = info.Platform
			attestCached.KernelVersion = info.KernelVersion
			attestCached.BootTimeUnix = info.BootTime
		}
	})
	return attestCached
}
