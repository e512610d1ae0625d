// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api exposes the HTTP surface: triage submission, health,
// metrics, and the optional run-history endpoints.
package api

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/database"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/metrics"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/service"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

// maxRequestBody bounds the triage request body. The largest legal
// request is well under 4 KiB.
const maxRequestBody = 1 << 16

// Handler implements the triage API endpoints.
type Handler struct {
	service  *service.SubmissionService
	db       *database.DB
	apiToken string
	logger   *slog.Logger
}

// New constructs the API handler and wires its routes. db may be nil
// when run history is disabled.
func New(svc *service.SubmissionService, db *database.DB, apiToken string, logger *slog.Logger) http.Handler {
	h := &Handler{
		service:  svc,
		db:       db,
		apiToken: apiToken,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/triage", h.handleTriage)
	mux.HandleFunc("/v1/runs", h.handleListRuns)
	mux.HandleFunc("/v1/runs/", h.handleGetRun)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// triageRequest is the POST /v1/triage body. Unknown fields are
// rejected with 422.
type triageRequest struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Mode        string `json:"mode,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Entrypoint  string `json:"entrypoint,omitempty"`
	ModuleName  string `json:"module_name,omitempty"`
}

func (h *Handler) handleTriage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var req triageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if detail := validateTriageRequest(req); detail != "" {
		h.writeError(w, http.StatusUnprocessableEntity, detail)
		return
	}

	clientIP := getClientIP(r)
	result := h.service.Submit(service.SubmissionRequest{
		PackageName: req.PackageName,
		Version:     req.Version,
		Mode:        triage.RunMode(req.Mode),
		FilePath:    req.FilePath,
		Entrypoint:  req.Entrypoint,
		ModuleName:  req.ModuleName,
		ClientIP:    clientIP,
	})

	switch result.Status {
	case service.StatusDeniedPackage:
		h.writeError(w, http.StatusTooManyRequests, "package is denied")
	case service.StatusRateLimited:
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case service.StatusOverloaded:
		h.writeError(w, http.StatusServiceUnavailable, "queue full")
	case service.StatusAccepted:
		if h.logger != nil {
			h.logger.Info("triage accepted",
				"run_id", result.RunID,
				"package", req.PackageName,
				"version", req.Version,
				"client_ip", clientIP)
		}
		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": result.RunID,
			"status": "accepted",
		})
	default:
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// validateTriageRequest applies the schema limits. Returns an empty
// string when the request is valid.
func validateTriageRequest(req triageRequest) string {
	if req.PackageName == "" || len(req.PackageName) > 200 {
		return "package_name must be 1..200 characters"
	}
	if req.Version == "" || len(req.Version) > 100 {
		return "version must be 1..100 characters"
	}
	if req.Mode != "" && !triage.RunMode(req.Mode).Valid() {
		return fmt.Sprintf("unknown mode %q", req.Mode)
	}
	return ""
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	if h.db == nil {
		h.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run, err := h.db.GetRun(r.Context(), runID)
	if errors.Is(err, sql.ErrNoRows) {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		if h.logger != nil {
			h.logger.Error("run lookup failed", "run_id", runID, "error", err)
		}
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	if h.db == nil {
		h.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	runs, err := h.db.ListRecentRuns(r.Context(), 50)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("run listing failed", "error", err)
		}
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []database.Run{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// authorized checks the static bearer token in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return secureEqual(strings.TrimPrefix(header, prefix), h.apiToken)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// getClientIP prefers proxy headers over the socket peer so the rate
// limiter keys on the real client behind a reverse proxy.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("failed to marshal JSON response", "error", err)
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, map[string]string{"detail": detail})
}
