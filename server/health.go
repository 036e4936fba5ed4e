package server

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/nhalm/badgecount/wrapper"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

type healthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Uptime    float64      `json:"uptime"`
	Memory    memoryReport `json:"memory"`
	Projects  int          `json:"projects"`
}

type memoryReport struct {
	RSS       uint64 `json:"rss"`
	VMS       uint64 `json:"vms"`
	HeapAlloc uint64 `json:"heapAlloc"`
}

// health reports liveness, process memory and the number of tracked
// projects. A failing store turns the response into a 503.
func (s *Server) health(_ http.ResponseWriter, r *http.Request) {
	now := s.now()
	res := healthResponse{
		Status:    statusHealthy,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(s.started).Seconds(),
		Memory:    readMemory(r),
	}

	status := http.StatusOK
	n, err := s.svc.Projects(r.Context())
	if err != nil {
		wrapper.LogError(r, err)
		res.Status = statusDegraded
		status = http.StatusServiceUnavailable
	}
	res.Projects = n

	wrapper.SetResponse(r, status, res)
}

func readMemory(r *http.Request) memoryReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report := memoryReport{HeapAlloc: ms.HeapAlloc}

	proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid()))
	if err != nil {
		wrapper.LogError(r, err)
		return report
	}
	info, err := proc.MemoryInfoWithContext(r.Context())
	if err != nil {
		wrapper.LogError(r, err)
		return report
	}
	report.RSS = info.RSS
	report.VMS = info.VMS
	return report
}
