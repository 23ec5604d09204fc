package api

import (
	"encoding/json"
	"net/http"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"

	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type casesResponse struct {
	Env   string              `json:"env"`
	Cases []ledger.CaseTotals `json:"cases"`
}

// handleListCases returns per-case totals of an environment.
func (s *server) handleListCases(w http.ResponseWriter, r *http.Request) {
	env := chi.URLParam(r, "env")

	cases, err := s.ledger.Cases(r.Context(), env)
	if err != nil {
		s.log.WithError(err).Error("Failed to list cases")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, casesResponse{Env: env, Cases: cases})
}

type filesResponse struct {
	Env       string         `json:"env"`
	CaseUUID  string         `json:"case_uuid"`
	Files     []ledger.Entry `json:"files"`
	Bytes     int64          `json:"bytes"`
	HumanSize string         `json:"human_size"`
}

// handleListFiles returns the recorded uploads of a case.
func (s *server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	env, caseUUID := chi.URLParam(r, "env"), chi.URLParam(r, "case")

	entries, err := s.ledger.List(r.Context(), env, caseUUID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list uploads")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	resp := filesResponse{Env: env, CaseUUID: caseUUID, Files: entries}
	if resp.Files == nil {
		resp.Files = []ledger.Entry{}
	}

	for _, e := range entries {
		resp.Bytes += e.Bytes
	}

	resp.HumanSize = units.HumanSize(float64(resp.Bytes))

	writeJSON(w, http.StatusOK, resp)
}

// handleGetFile returns one recorded upload, selected by the key query
// parameter.
func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"key is required"})

		return
	}

	entry, err := s.ledger.Lookup(r.Context(), chi.URLParam(r, "env"), chi.URLParam(r, "case"), key)
	if err != nil {
		s.log.WithError(err).Error("Failed to look up upload")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	if entry == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})

		return
	}

	writeJSON(w, http.StatusOK, entry)
}
