package api

import (
	"net/http"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/calebwren/imagegate/internal/gateway"
)

type systemInfo struct {
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryFreeMB      uint64  `json:"memory_free_mb"`
	DiskFreeMB        uint64  `json:"disk_free_mb"`
}

type healthResponse struct {
	gateway.Health
	System *systemInfo `json:"system,omitempty"`
}

// handleHealthz reports gateway state plus host memory and disk headroom.
// Returns 503 while draining so load balancers stop routing new work here.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Health: s.gw.Health()}

	if vm, err := mem.VirtualMemory(); err == nil {
		info := &systemInfo{
			MemoryUsedPercent: vm.UsedPercent,
			MemoryFreeMB:      vm.Available / (1 << 20),
		}
		if du, err := disk.Usage("/"); err == nil {
			info.DiskFreeMB = du.Free / (1 << 20)
		}
		resp.System = info
	}

	status := http.StatusOK
	if s.gw.State() != gateway.StateRunning {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// handleGetMetrics returns the rolling-window metrics snapshot as JSON.
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.MetricsSnapshot())
}

// handleListPipelines returns the registered pipeline names.
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"pipelines": s.gw.Pipelines()})
}
