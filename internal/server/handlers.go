package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"codegraph-backend/internal/analysis"
	"codegraph-backend/internal/backup"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/search"
)

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorPayload{"error": {Code: code, Message: message}})
}

// respondError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errors.Error
	if !errors.As(err, &e) {
		s.logger.Error("unclassified handler error",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(errors.CodeInternalError), "internal server error")
		return
	}
	status := e.Code.HTTPStatus()
	if status >= 500 {
		s.logger.Error("handler error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]errorPayload{"error": {
		Code:      string(e.Code),
		Message:   e.Message,
		Details:   e.Details,
		RequestID: GetRequestID(r.Context()),
	}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Check(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type searchRequest struct {
	Query    string            `json:"query"`
	Strategy string            `json:"strategy,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Fuzzy    bool              `json:"fuzzy,omitempty"`
	Filter   map[string]string `json:"filter,omitempty"`
	MinScore float64           `json:"minScore,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "request body is not valid JSON")
		return
	}
	results, err := s.deps.Search.Search(r.Context(), search.Request{
		Query:    req.Query,
		Strategy: search.Strategy(req.Strategy),
		Limit:    req.Limit,
		Fuzzy:    req.Fuzzy,
		Filter:   req.Filter,
		MinScore: req.MinScore,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entity, err := s.deps.Entities.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entity == nil {
		writeError(w, http.StatusNotFound, string(errors.CodeEntityNotFound), "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	opts := analysis.ImpactOptions{MaxDepth: queryInt(r, "depth", 0)}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			opts.Types = append(opts.Types, domain.RelationshipType(strings.TrimSpace(t)))
		}
	}
	report, err := s.deps.Analysis.AnalyzeImpact(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = "both"
	}
	report, err := s.deps.Analysis.GetEntityDependencies(r.Context(),
		chi.URLParam(r, "id"), direction, queryInt(r, "depth", 0))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExamples(w http.ResponseWriter, r *http.Request) {
	examples, err := s.deps.Search.GetEntityExamples(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": examples})
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "from and to are required")
		return
	}
	paths, err := s.deps.Analysis.FindPaths(r.Context(), from, to, queryInt(r, "maxDepth", 0), nil)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Entities.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type ingestRequest struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "request body is not valid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "path is required")
		return
	}
	if err := s.deps.Ingest.ProcessFile(r.Context(), req.Path, req.Content); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "path": req.Path})
}

func (s *Server) handleIngestStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ingest.Stats())
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.deps.Backups.ListBackups(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	md, err := s.deps.Backups.GetBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

type createBackupRequest struct {
	Type          string            `json:"type,omitempty"`
	IncludeConfig *bool             `json:"includeConfig,omitempty"`
	Compression   bool              `json:"compression,omitempty"`
	ProviderID    string            `json:"providerId,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "request body is not valid JSON")
		return
	}
	includeConfig := true
	if req.IncludeConfig != nil {
		includeConfig = *req.IncludeConfig
	}
	md, err := s.deps.Backups.CreateBackup(r.Context(), backup.CreateOptions{
		Type:              req.Type,
		IncludeData:       true,
		IncludeConfig:     includeConfig,
		Compression:       req.Compression,
		StorageProviderID: req.ProviderID,
		Labels:            req.Labels,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, md)
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Backups.VerifyBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type restorePreviewRequest struct {
	RequestedBy     string `json:"requestedBy,omitempty"`
	VerifyIntegrity *bool  `json:"verifyIntegrity,omitempty"`
}

func (s *Server) handleRestorePreview(w http.ResponseWriter, r *http.Request) {
	var req restorePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "request body is not valid JSON")
		return
	}
	verify := true
	if req.VerifyIntegrity != nil {
		verify = *req.VerifyIntegrity
	}
	preview, err := s.deps.Backups.PreviewRestore(r.Context(), chi.URLParam(r, "id"), backup.PreviewOptions{
		RequestedBy:     req.RequestedBy,
		VerifyIntegrity: verify,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type restoreApproveRequest struct {
	Token    string `json:"token"`
	Approver string `json:"approver,omitempty"`
}

func (s *Server) handleRestoreApprove(w http.ResponseWriter, r *http.Request) {
	var req restoreApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "request body is not valid JSON")
		return
	}
	token, err := s.deps.Backups.ApproveRestore(r.Context(), req.Token, req.Approver)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type restoreApplyRequest struct {
	Token      string   `json:"token"`
	Components []string `json:"components,omitempty"`
}

func (s *Server) handleRestoreApply(w http.ResponseWriter, r *http.Request) {
	var req restoreApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.CodeValidationFailed), "request body is not valid JSON")
		return
	}
	result, err := s.deps.Backups.ApplyRestore(r.Context(), backup.ApplyOptions{
		Token:      req.Token,
		Components: req.Components,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
