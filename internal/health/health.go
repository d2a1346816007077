// Package health reports liveness plus basic process stats for the daemon.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var startedAt = time.Now()

type report struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
}

// Handler serves the health payload. Process stats are best-effort; a
// platform where gopsutil cannot read them still reports ok.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := report{
			Status:        "ok",
			UptimeSeconds: time.Since(startedAt).Seconds(),
			PID:           os.Getpid(),
		}

		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				rep.CPUPercent = cpu
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				rep.RSSBytes = mem.RSS
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rep)
	}
}
