package server

import (
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/3cpo-dev/chipflow/pkg/api"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type HealthCheck struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

type Health struct {
	Status     HealthStatus  `json:"status"`
	Version    string        `json:"version"`
	Uptime     string        `json:"uptime"`
	Jobs       int           `json:"jobs"`
	Running    int           `json:"running"`
	Goroutines int           `json:"goroutines"`
	Checks     []HealthCheck `json:"checks"`
}

func (s *Server) health() Health {
	h := Health{
		Status:     HealthHealthy,
		Version:    s.cfg.Version,
		Uptime:     clock(time.Since(s.started)),
		Goroutines: runtime.NumGoroutine(),
	}
	s.mu.Lock()
	h.Jobs = len(s.jobs)
	for _, j := range s.jobs {
		if j.state() == api.JobRunning {
			h.Running++
		}
	}
	s.mu.Unlock()

	root := HealthCheck{Name: "job_root", Status: HealthHealthy}
	if info, err := os.Stat(s.cfg.Root); err != nil {
		root.Status, root.Message = HealthUnhealthy, err.Error()
	} else if !info.IsDir() {
		root.Status, root.Message = HealthUnhealthy, s.cfg.Root+" is not a directory"
	}
	h.Checks = append(h.Checks, root)
	for _, c := range h.Checks {
		if c.Status != HealthHealthy {
			h.Status = HealthUnhealthy
		}
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	code := http.StatusOK
	if h.Status != HealthHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func registerProfiling(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
