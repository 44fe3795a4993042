package server

import (
	"net/http"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/calsync/pulse"
	"github.com/teranos/calsync/version"
)

// HealthResponse reports process, daemon and host state.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Commit  string       `json:"commit"`
	Daemon  pulse.Status `json:"daemon"`
	Memory  *HostMemory  `json:"memory,omitempty"`
}

// HostMemory is host-wide memory usage.
type HostMemory struct {
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// HandleHealth reports whether a pulse daemon is running in this process,
// its ticker and pool stats, and host memory.
// GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	info := version.Get()
	resp := HealthResponse{
		Status:  "ok",
		Version: info.Version,
		Commit:  info.Short(),
	}

	d := s.daemon
	if d == nil {
		d = pulse.Active()
	}
	if d != nil {
		resp.Daemon = d.Status(r.Context())
	} else {
		stats, err := s.runs.Stats(r.Context())
		if err != nil {
			s.logger.Warnw("Failed to read run stats", "error", err)
			resp.Status = "degraded"
		}
		resp.Daemon.Runs = stats
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		const gb = 1024 * 1024 * 1024
		resp.Memory = &HostMemory{
			UsedGB:  float64(vm.Used) / gb,
			TotalGB: float64(vm.Total) / gb,
			Percent: vm.UsedPercent,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
