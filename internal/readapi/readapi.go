// Package readapi is the evaluation-snapshot read API (§6): for a given
// machine it returns the per-sensor and aggregate evaluation of the most
// recent reading that machine's poller processed. It takes no material or
// instant parameter; only the latest snapshot per machine is served. It is
// adapted from the teacher's internal/api package: same
// CORS middleware, same mux/handler/writeJSON/writeError shape, generalized
// from system-mode and zone CRUD endpoints to read-only evaluation and
// machine-state snapshots served off the poller's in-memory Snapshot.
package readapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/profile"
)

// SnapshotSource is satisfied by cmd/extruder-monitor's snapshotAdapter,
// which wraps a *poller.Machine; kept as an interface
// here so this package never imports poller (which would import readapi's
// dependents in a cycle, were it to ever need request routing).
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// Snapshot mirrors poller.Snapshot's shape, duplicated rather than
// imported to keep the read API decoupled from poller internals; the
// fields are a pure read-only projection.
type Snapshot struct {
	MachineID  string
	MaterialID string
	State      model.MachineStateInfo
	Evaluation model.Evaluation
}

// ErrorResponse is the JSON error envelope for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server exposes machine state and evaluation snapshots over HTTP.
type Server struct {
	machines map[string]SnapshotSource
	profiles *profile.Registry
}

// NewServer wires a read API over the given machine snapshot sources.
func NewServer(machines map[string]SnapshotSource, profiles *profile.Registry) *Server {
	return &Server{machines: machines, profiles: profiles}
}

// Start begins serving on port, blocking until the listener fails.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/machines", s.handleMachines)
	mux.HandleFunc("/api/machines/", s.handleMachineOperations)
	mux.HandleFunc("/api/profiles", s.handleProfiles)

	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting evaluation read API")
	return http.ListenAndServe(addr, corsHandler)
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ids := make([]string, 0, len(s.machines))
	for id := range s.machines {
		ids = append(ids, id)
	}
	s.writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleMachineOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/machines/")
	parts := strings.Split(path, "/")
	if len(parts) < 1 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Machine ID required")
		return
	}

	machineID := parts[0]
	source, ok := s.machines[machineID]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Unknown machine")
		return
	}
	snap := source.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No snapshot available yet")
		return
	}

	switch {
	case len(parts) == 1:
		s.writeJSON(w, http.StatusOK, snap)
	case len(parts) == 2 && parts[1] == "state":
		s.writeJSON(w, http.StatusOK, snap.State)
	case len(parts) == 2 && parts[1] == "evaluation":
		s.writeJSON(w, http.StatusOK, snap.Evaluation)
	default:
		s.writeError(w, http.StatusNotFound, "Unknown operation")
	}
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	profiles, err := s.profiles.All()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list profiles")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
