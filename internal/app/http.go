package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"wayfarer/api/internal/realtime"
	"wayfarer/api/internal/route"
	"wayfarer/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	logger     *zap.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, logger *zap.Logger, corsOrigin string) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, logger: logger, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/metrics" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		metrics.WritePrometheus(w, true)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/places/search" {
		s.handlePlaceSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/groups/{groupID}/route[...]
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "groups" && parts[3] == "route" {
		groupID := parts[2]
		if groupID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_GROUP", "group id is required", nil)
			return
		}

		if len(parts) == 4 {
			switch r.Method {
			case http.MethodGet:
				s.handleGetRoute(w, r, groupID)
			case http.MethodPost:
				s.handleSaveRoute(w, r, groupID)
			case http.MethodPatch:
				s.handleUpdateRoute(w, r, groupID)
			case http.MethodDelete:
				s.handleDeleteRoute(w, r, groupID)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(parts) == 5 {
			switch {
			case r.Method == http.MethodPost && parts[4] == "resolve":
				s.handleResolveConflict(w, r, groupID)
				return
			case r.Method == http.MethodGet && parts[4] == "versions":
				s.handleRouteVersions(w, r, groupID)
				return
			case r.Method == http.MethodGet && parts[4] == "history":
				s.handleRouteHistory(w, r, groupID)
				return
			}
		}
	}

	// /api/groups/{groupID}/presence[...]
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "groups" && parts[3] == "presence" {
		groupID := parts[2]

		if len(parts) == 4 && r.Method == http.MethodGet {
			s.handlePresence(w, r, groupID)
			return
		}
		if len(parts) == 5 && parts[4] == "editing" && r.Method == http.MethodPost {
			s.handleEditingStatus(w, r, groupID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	switch configured, err := s.service.PingRealtime(ctx); {
	case !configured:
		checks["redis"] = map[string]any{"status": "disabled"}
	case err != nil:
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	default:
		checks["redis"] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetRoute(w http.ResponseWriter, r *http.Request, groupID string) {
	result := s.service.GetRoute(r.Context(), groupID)
	if !result.Success {
		status, code, message, details := mapError(result.Err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"groupId": result.GroupID,
		"route":   result.Data,
		"version": result.Version,
		"cached":  result.Cached,
	})
}

func (s *HTTPServer) handleSaveRoute(w http.ResponseWriter, r *http.Request, groupID string) {
	var body struct {
		RouteData           route.RouteData            `json:"routeData"`
		OptimizationMetrics *route.OptimizationMetrics `json:"optimizationMetrics"`
		ChangedBy           string                     `json:"changedBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result := s.service.SaveOptimizationResult(r.Context(), groupID, body.RouteData, body.OptimizationMetrics, body.ChangedBy)
	if !result.Success {
		status, code, message, details := mapError(result.Err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "route": result.Route})
}

func (s *HTTPServer) handleUpdateRoute(w http.ResponseWriter, r *http.Request, groupID string) {
	var body struct {
		Updates   route.UpdatePatch `json:"updates"`
		Version   int64             `json:"version"`
		ChangedBy string            `json:"changedBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Updates) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "updates must not be empty", nil)
		return
	}

	result := s.service.UpdateRoute(r.Context(), groupID, body.Updates, body.Version, body.ChangedBy)
	if !result.Success {
		status, code, message, details := mapError(result.Err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "route": result.Route})
}

func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request, groupID string) {
	var body struct {
		Conflict   route.RouteUpdateConflict `json:"conflict"`
		Strategy   string                    `json:"strategy"`
		MergedData *route.RouteData          `json:"mergedData"`
		ResolvedBy string                    `json:"resolvedBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result := s.service.ResolveConflict(r.Context(), groupID, body.Conflict, body.Strategy, body.MergedData, body.ResolvedBy)
	if !result.Success {
		status, code, message, details := mapError(result.Err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "route": result.Route, "strategy": body.Strategy})
}

func (s *HTTPServer) handleDeleteRoute(w http.ResponseWriter, r *http.Request, groupID string) {
	changedBy := strings.TrimSpace(r.URL.Query().Get("changedBy"))
	if err := s.service.DeleteRoute(r.Context(), groupID, changedBy); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleRouteVersions(w http.ResponseWriter, r *http.Request, groupID string) {
	versions, err := s.service.GetRouteVersions(r.Context(), groupID, queryLimit(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if versions == nil {
		versions = []route.RouteVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "versions": versions})
}

func (s *HTTPServer) handleRouteHistory(w http.ResponseWriter, r *http.Request, groupID string) {
	entries, err := s.service.GetRouteChangeHistory(r.Context(), groupID, queryLimit(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if entries == nil {
		entries = []route.RouteChangeLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": entries})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, groupID string) {
	users, err := s.service.GetActiveUsers(r.Context(), groupID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if users == nil {
		users = []realtime.PresenceUser{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (s *HTTPServer) handleEditingStatus(w http.ResponseWriter, r *http.Request, groupID string) {
	var body struct {
		UserID      string                   `json:"userId"`
		SessionID   string                   `json:"sessionId"`
		DisplayName string                   `json:"displayName"`
		Editing     *realtime.EditingPointer `json:"editing"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	err := s.service.UpdateEditingStatus(r.Context(), groupID, realtime.PresenceUser{
		UserID:      body.UserID,
		SessionID:   body.SessionID,
		DisplayName: body.DisplayName,
		Editing:     body.Editing,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handlePlaceSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	groupID := strings.TrimSpace(r.URL.Query().Get("groupId"))
	response := s.service.SearchPlaces(r.Context(), query, groupID, queryLimit(r))
	writeJSON(w, http.StatusOK, response)
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
