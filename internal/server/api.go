// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
)

// DownloadRequest is the request body for starting a download.
// Note: the output path is NOT configurable via the API; the server
// always writes into its configured OutputDir.
type DownloadRequest struct {
	VersionID int64  `json:"versionId"`
	Filename  string `json:"filename,omitempty"`
	Type      string `json:"type,omitempty"`
	Format    string `json:"format,omitempty"`
	Force     bool   `json:"force,omitempty"`
	DryRun    bool   `json:"dryRun,omitempty"`
}

// PlanResponse is the response for a dry-run/plan request.
type PlanResponse struct {
	VersionID int64  `json:"versionId"`
	ModelName string `json:"modelName"`
	File      string `json:"file"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256,omitempty"`
	Format    string `json:"format,omitempty"`
	URL       string `json:"url"`
}

// SettingsResponse represents current settings.
type SettingsResponse struct {
	Token              string `json:"token,omitempty"`
	OutputDir          string `json:"outputDir"`
	Connections        int    `json:"connections"`
	MaxActive          int    `json:"maxActive"`
	MultipartThreshold string `json:"multipartThreshold"`
	Verify             string `json:"verify"`
	Retries            int    `json:"retries"`
	Endpoint           string `json:"endpoint,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartDownload starts a new download job.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.VersionID <= 0 {
		writeError(w, http.StatusBadRequest, "Missing required field: versionId", "")
		return
	}

	if req.DryRun {
		s.handlePlanInternal(w, req)
		return
	}

	job, created := s.jobs.CreateJob(req)
	if !created {
		// An active job for this version already exists.
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Download already in progress",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// handlePlan resolves version metadata without starting a download.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	req.DryRun = true
	s.handlePlanInternal(w, req)
}

func (s *Server) handlePlanInternal(w http.ResponseWriter, req DownloadRequest) {
	if req.VersionID <= 0 {
		writeError(w, http.StatusBadRequest, "Missing required field: versionId", "")
		return
	}

	dlJob := civitai.Job{
		VersionID: req.VersionID,
		Filename:  req.Filename,
		Type:      req.Type,
		Format:    req.Format,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rf, err := civitai.Resolve(ctx, dlJob, s.config.settings())
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, civitai.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, civitai.ErrUnauthorized):
			status = http.StatusUnauthorized
		}
		writeError(w, status, "Failed to resolve version", err.Error())
		return
	}

	name := rf.Name
	if req.Filename != "" {
		name = req.Filename
	}

	writeJSON(w, http.StatusOK, PlanResponse{
		VersionID: rf.VersionID,
		ModelName: rf.ModelName,
		File:      name,
		Size:      rf.Size,
		SHA256:    rf.SHA256,
		Format:    rf.Format,
		URL:       rf.URL,
	})
}

// handleListJobs returns all jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a specific job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.CancelJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Job cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Job not found or already completed", "")
	}
}

// handleGetSettings returns current settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.settings()

	// Don't expose the full token, just the tail.
	tokenStatus := ""
	if cfg.Token != "" {
		tokenStatus = "********" + cfg.Token[max(0, len(cfg.Token)-4):]
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		Token:              tokenStatus,
		OutputDir:          cfg.OutputDir,
		Connections:        cfg.Connections,
		MaxActive:          cfg.MaxActive,
		MultipartThreshold: cfg.MultipartThreshold,
		Verify:             cfg.Verify,
		Retries:            cfg.Retries,
		Endpoint:           cfg.Endpoint,
	})
}

// handleUpdateSettings updates settings.
// The output directory cannot be changed via the API.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token              *string `json:"token,omitempty"`
		Connections        *int    `json:"connections,omitempty"`
		MaxActive          *int    `json:"maxActive,omitempty"`
		MultipartThreshold *string `json:"multipartThreshold,omitempty"`
		Verify             *string `json:"verify,omitempty"`
		Retries            *int    `json:"retries,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	s.config.mu.Lock()
	if req.Token != nil {
		s.config.Token = *req.Token
	}
	if req.Connections != nil && *req.Connections > 0 {
		s.config.Connections = *req.Connections
	}
	if req.MaxActive != nil && *req.MaxActive > 0 {
		// The job slot pool is sized at startup; this only changes the
		// value reported back by the settings endpoint.
		s.config.MaxActive = *req.MaxActive
	}
	if req.MultipartThreshold != nil && *req.MultipartThreshold != "" {
		s.config.MultipartThreshold = *req.MultipartThreshold
	}
	if req.Verify != nil && *req.Verify != "" {
		s.config.Verify = *req.Verify
	}
	if req.Retries != nil && *req.Retries > 0 {
		s.config.Retries = *req.Retries
	}
	s.config.mu.Unlock()

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Settings updated",
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
