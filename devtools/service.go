// Package devtools exposes operator-facing introspection endpoints: health,
// runtime info, route discovery, and a live SSE feed of cleanup-sweep
// activity.
package devtools

import (
	"context"
	"runtime"
	"strings"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/internal/cleanup"
)

// Service provides devtools endpoints for operating a relaycore deployment.
//
//	app := relaycore.NewApp()
//	devtools.New(app, 8080).Register()
type Service struct {
	app  *relaycore.App
	port int

	// Watch broadcasts the most recent cleanup sweep result to subscribers
	// of the Devtools.Watch SSE endpoint. The cleanup sweeper's reporter
	// calls Watch.Set after every run; see cleanup.ReporterFunc.
	Watch *relaycore.Atom[cleanup.Result]
}

// New creates a new devtools service.
func New(app *relaycore.App, port int) *Service {
	return &Service{
		app:   app,
		port:  port,
		Watch: relaycore.NewAtom(cleanup.Result{}),
	}
}

// Register adds the devtools service to the app.
func (s *Service) Register() {
	svc := s.app.Service("Devtools")
	svc.Register("Ping", relaycore.Query(s.Ping))
	svc.Register("Info", relaycore.Query(s.Info))
	svc.Register("Status", relaycore.Query(s.Status))
	svc.Register("Watch", s.Watch.Handler())
}

// PingRequest is the request for Devtools.Ping.
type PingRequest struct{}

// PingResponse is the response for Devtools.Ping.
type PingResponse struct {
	OK bool `json:"ok"`
}

// Ping is a simple health check endpoint for heartbeat.
func (s *Service) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{OK: true}, nil
}

// InfoRequest is the request for Devtools.Info.
type InfoRequest struct{}

// InfoResponse provides runtime information about the server.
type InfoResponse struct {
	Port          int         `json:"port"`
	Version       string      `json:"version"`
	NumGoroutines int         `json:"num_goroutines"`
	NumCPU        int         `json:"num_cpu"`
	Memory        MemoryStats `json:"memory"`
}

// MemoryStats contains memory statistics.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

// Info returns runtime information about the server.
func (s *Service) Info(ctx context.Context, req *InfoRequest) (*InfoResponse, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &InfoResponse{
		Port:          s.port,
		Version:       runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}, nil
}

// StatusRequest is the request for Devtools.Status.
type StatusRequest struct{}

// StatusResponse provides server status and service discovery.
type StatusResponse struct {
	OK       bool                `json:"ok"`
	Port     int                 `json:"port"`
	Services map[string][]string `json:"services"`
}

// Status returns server status and registered routes.
func (s *Service) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	routes := s.app.Routes()
	services := make(map[string][]string)
	for key := range routes {
		parts := strings.SplitN(key, ".", 2)
		if len(parts) == 2 {
			services[parts[0]] = append(services[parts[0]], parts[1])
		}
	}
	return &StatusResponse{
		OK:       true,
		Port:     s.port,
		Services: services,
	}, nil
}
