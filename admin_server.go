package basp

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes read-only operational endpoints for an Instance over
// HTTP. /status, /routes, /published and /debug/vars respond with JSON;
// /debug/pprof/* serves the standard pprof output. Intended for
// admin/internal networks only;
// it serves no UI, unlike its teacher (whose React dashboard this module
// has no use for).
type AdminServer struct {
	instance *Instance
	metrics  *Metrics
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to addr, reporting on
// instance. metrics may be nil if no MetricsHooks was wired in. The server
// is not started until Start is called.
func NewAdminServer(instance *Instance, metrics *Metrics, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("basp: admin listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		instance: instance,
		metrics:  metrics,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/routes", as.handleRoutes)
	mux.HandleFunc("/published", as.handlePublished)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("basp: admin server error", "error", err)
		}
	}()
	slog.Info("basp: admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	as.server.Close()
}

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	ThisNode        string           `json:"this_node"`
	DirectRoutes    int              `json:"direct_routes"`
	IndirectRoutes  int              `json:"indirect_routes"`
	PublishedActors int              `json:"published_actors"`
	Metrics         map[string]int64 `json:"metrics,omitempty"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := as.instance.RoutingSnapshot()
	resp := statusResponse{
		ThisNode:        as.instance.ThisNode().String(),
		DirectRoutes:    len(snap.Direct),
		IndirectRoutes:  len(snap.Indirect),
		PublishedActors: len(as.instance.PublishedSnapshot()),
	}
	if as.metrics != nil {
		resp.Metrics = as.metrics.Snapshot()
	}
	writeJSON(w, resp)
}

// routeEntryResponse is one row of GET /routes.
type routeEntryResponse struct {
	Node   string   `json:"node"`
	Direct bool     `json:"direct"`
	Handle uint64   `json:"handle,omitempty"`
	Via    []string `json:"via,omitempty"`
}

func (as *AdminServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := as.instance.RoutingSnapshot()
	entries := make([]routeEntryResponse, 0, len(snap.Direct)+len(snap.Indirect))
	for _, d := range snap.Direct {
		entries = append(entries, routeEntryResponse{Node: d.Node.String(), Direct: true, Handle: uint64(d.Handle)})
	}
	for _, ind := range snap.Indirect {
		via := make([]string, len(ind.ViaNode))
		for i, n := range ind.ViaNode {
			via[i] = n.String()
		}
		entries = append(entries, routeEntryResponse{Node: ind.Node.String(), Direct: false, Via: via})
	}
	writeJSON(w, struct {
		Routes []routeEntryResponse `json:"routes"`
	}{Routes: entries})
}

// publishedEntryResponse is one row of GET /published.
type publishedEntryResponse struct {
	Port       uint16   `json:"port"`
	ActorID    int64    `json:"actor_id"`
	Interfaces []string `json:"interfaces"`
}

func (as *AdminServer) handlePublished(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos := as.instance.PublishedSnapshot()
	entries := make([]publishedEntryResponse, len(infos))
	for i, info := range infos {
		entries[i] = publishedEntryResponse{Port: info.Port, ActorID: int64(info.ActorID), Interfaces: info.Interfaces}
	}
	writeJSON(w, struct {
		Published []publishedEntryResponse `json:"published"`
	}{Published: entries})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("basp: admin json encode error", "error", err)
	}
}
