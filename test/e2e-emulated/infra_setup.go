package e2eemulated

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// EmulatedFleet is an in-process fleet API. Every created replica is a real
// HTTP server serving /health, /ready and a JSON /metrics document whose CPU
// figure is the fleet-wide load.
type EmulatedFleet struct {
	*httptest.Server

	mu           sync.Mutex
	replicas     map[string]*emulatedReplica
	load         float64
	startupDelay time.Duration
	created      int
}

type emulatedReplica struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Image     string    `json:"image"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`

	healthy bool
	server  *httptest.Server
}

// ReplicaInfo is a point-in-time view of one emulated replica.
type ReplicaInfo struct {
	ID      string
	Image   string
	Healthy bool
}

// NewEmulatedFleet starts a fleet API whose replicas report ready once
// startupDelay has passed since their creation.
func NewEmulatedFleet(startupDelay time.Duration) *EmulatedFleet {
	f := &EmulatedFleet{
		replicas:     map[string]*emulatedReplica{},
		startupDelay: startupDelay,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /replicas", f.create)
	mux.HandleFunc("DELETE /replicas/{id}", f.terminate)
	mux.HandleFunc("GET /replicas", f.list)
	f.Server = httptest.NewServer(mux)
	return f
}

func (f *EmulatedFleet) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Service string `json:"service"`
		Image   string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid create request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	rep, ok := f.replicas[req.ID]
	if !ok {
		rep = &emulatedReplica{
			ID:        req.ID,
			Service:   req.Service,
			Image:     req.Image,
			CreatedAt: time.Now(),
			healthy:   true,
		}
		rep.server = httptest.NewServer(f.replicaHandler(rep))
		rep.Address = strings.TrimPrefix(rep.server.URL, "http://")
		f.replicas[req.ID] = rep
		f.created++
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rep)
}

func (f *EmulatedFleet) terminate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	rep, ok := f.replicas[r.PathValue("id")]
	delete(f.replicas, r.PathValue("id"))
	f.mu.Unlock()

	if !ok {
		http.Error(w, "no such replica", http.StatusNotFound)
		return
	}
	rep.server.CloseClientConnections()
	go rep.server.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (f *EmulatedFleet) list(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")

	f.mu.Lock()
	out := struct {
		Replicas []*emulatedReplica `json:"replicas"`
	}{Replicas: []*emulatedReplica{}}
	for _, rep := range f.replicas {
		if service == "" || rep.Service == service {
			out.Replicas = append(out.Replicas, rep)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
	f.mu.Unlock()
}

func (f *EmulatedFleet) replicaHandler(rep *emulatedReplica) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		healthy := rep.healthy
		ready := time.Since(rep.CreatedAt) >= f.startupDelay
		load := f.load
		f.mu.Unlock()

		switch r.URL.Path {
		case "/health":
			if !healthy {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		case "/ready":
			if !ready {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		case "/metrics":
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"runtime":{"cpu_percent":%g}}`, load)
			return
		default:
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// SetLoad sets the CPU percentage every replica reports.
func (f *EmulatedFleet) SetLoad(cpu float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.load = cpu
}

// SetHealthy flips the liveness endpoint of one replica.
func (f *EmulatedFleet) SetHealthy(id string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rep, ok := f.replicas[id]; ok {
		rep.healthy = healthy
	}
}

// Replicas lists the running replicas ordered by id.
func (f *EmulatedFleet) Replicas() []ReplicaInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReplicaInfo, 0, len(f.replicas))
	for _, rep := range f.replicas {
		out = append(out, ReplicaInfo{ID: rep.ID, Image: rep.Image, Healthy: rep.healthy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Created returns how many distinct replicas were ever created.
func (f *EmulatedFleet) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Close stops the fleet API and every replica.
func (f *EmulatedFleet) Close() {
	f.mu.Lock()
	replicas := f.replicas
	f.replicas = map[string]*emulatedReplica{}
	f.mu.Unlock()
	for _, rep := range replicas {
		rep.server.Close()
	}
	f.Server.Close()
}
