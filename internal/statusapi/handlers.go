package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/resourced/resourced/internal/resourceid"
)

// QueueMapRequest is the /packaging/queue request body.
type QueueMapRequest struct {
	ResourceID string `json:"resource_id"`
}

// HealthResponse is the /health payload. LastError is non-empty only
// when the lifecycle recorded a fatal startup error (supplemented
// "GetErrorMessage" feature, §2).
type HealthResponse struct {
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// VersionResponse is the /version payload.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// StatusResponse is the /status payload: the scheduler's busy-state
// snapshot (spec invariant 4).
type StatusResponse struct {
	Busy      bool `json:"busy"`
	Pending   int  `json:"pending"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
}

// WorkerResponse is one row of the /workers payload, the supplemented
// "per-worker UI-visible status row" feature (§2).
type WorkerResponse struct {
	ID         int    `json:"id"`
	State      string `json:"state"`
	ResourceID string `json:"resource_id,omitempty"`
}

// PackagingResponse is the /packaging payload (§4.10 progress fraction).
type PackagingResponse struct {
	Running   bool `json:"running"`
	Queued    int  `json:"queued"`
	ToPackage int  `json:"to_package"`
	Completed int  `json:"completed"`
}

// MapsResponse is the /maps payload, the supplemented
// "RefreshAvailableMapList" feature (§2).
type MapsResponse struct {
	Maps []string `json:"maps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.lastFatalErr != nil {
		resp.LastError = s.lastFatalErr()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "resourced"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	busy := s.sched.Busy()
	writeJSON(w, http.StatusOK, StatusResponse{
		Busy:      busy.IsBusy,
		Pending:   busy.PendingCount,
		Active:    busy.ActiveCount,
		Completed: busy.CompletedCount,
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.pool.Workers()
	rows := make([]WorkerResponse, 0, len(workers))
	for _, wk := range workers {
		row := WorkerResponse{ID: wk.ID(), State: wk.State().String()}
		if id, ok := wk.CurrentResourceID(); ok {
			row.ResourceID = id.String()
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePackaging(w http.ResponseWriter, r *http.Request) {
	p := s.sched.Progress()
	writeJSON(w, http.StatusOK, PackagingResponse{
		Running:   p.Running,
		Queued:    p.Queued,
		ToPackage: p.ToPackage,
		Completed: p.Completed,
	})
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	ids, err := s.sched.ListAvailableMaps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.String())
	}
	writeJSON(w, http.StatusOK, MapsResponse{Maps: names})
}

func (s *Server) handleQueueMap(w http.ResponseWriter, r *http.Request) {
	var req QueueMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := resourceid.Parse(req.ResourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sched.QueueMap(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartPackaging(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.StartPackaging(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
