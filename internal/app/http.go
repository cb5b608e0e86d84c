package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
	"github.com/mahmoud661/Collaborative-editor/internal/gitrepo"
	"github.com/mahmoud661/Collaborative-editor/internal/search"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger

	// realtime and metrics bypass the JSON middleware.
	realtime http.Handler
	metrics  http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

// MountRelay serves the websocket relay at /ws.
func (s *HTTPServer) MountRelay(h http.Handler) { s.realtime = h }

// MountMetrics serves h at /metrics.
func (s *HTTPServer) MountMetrics(h http.Handler) { s.metrics = h }

func (s *HTTPServer) Handler() http.Handler {
	api := s.withMiddleware(http.HandlerFunc(s.handle))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ws" && s.realtime != nil:
			s.realtime.ServeHTTP(w, r)
		case r.URL.Path == "/metrics" && s.metrics != nil:
			s.metrics.ServeHTTP(w, r)
		default:
			api.ServeHTTP(w, r)
		}
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

	if readOnly && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if readOnly && r.URL.Path == "/api/ready" {
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
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if readOnly && r.URL.Path == "/api/search" {
		q := search.Query{
			Text:   strings.TrimSpace(r.URL.Query().Get("q")),
			Limit:  queryInt(r, "limit", 20),
			Offset: queryInt(r, "offset", 0),
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
		return
	}

	if readOnly && r.URL.Path == "/api/templates" {
		category := strings.TrimSpace(r.URL.Query().Get("category"))
		if category == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"templates":  diagram.Templates(),
				"categories": diagram.Categories(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"templates":  nonNilTemplates(diagram.TemplatesByCategory()[category]),
			"categories": diagram.Categories(),
		})
		return
	}

	if readOnly && r.URL.Path == "/api/themes" {
		writeJSON(w, http.StatusOK, map[string]any{
			"themes":  diagram.Themes(),
			"default": diagram.DefaultRenderConfig(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/render" {
		var body RenderInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		out, err := s.service.Render(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if readOnly && r.URL.Path == "/api/rooms" {
		rooms, err := s.service.ListRooms(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
		return
	}

	parts := splitPath(r.URL.EscapedPath())
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "templates" && len(parts) == 3 && readOnly {
		tpl, ok := diagram.TemplateByID(parts[2])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Template not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, tpl)
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "rooms" {
		room, err := url.PathUnescape(parts[2])
		if err != nil || strings.TrimSpace(room) == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ROOM", "Invalid room name", nil)
			return
		}
		s.handleRoom(w, r, room, parts[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleRoom(w http.ResponseWriter, r *http.Request, room, action string) {
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case readOnly && action == "members":
		members, err := s.service.Members(r.Context(), room)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room": room, "members": members, "count": len(members)})

	case readOnly && action == "history":
		commits, err := s.service.History(room, queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room": room, "commits": commits})

	case readOnly && action == "snapshot":
		view, err := s.service.Snapshot(r.Context(), room, strings.TrimSpace(r.URL.Query().Get("commit")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case readOnly && action == "diff":
		from := strings.TrimSpace(r.URL.Query().Get("from"))
		to := strings.TrimSpace(r.URL.Query().Get("to"))
		changes, err := s.service.Diff(room, from, to)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room": room, "from": from, "to": to, "changes": changes})

	case r.Method == http.MethodPost && action == "compact":
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		merged, err := s.service.Compact(ctx, room)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room": room, "merged": merged})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// fail maps err to a response and logs server errors.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
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

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func nonNilTemplates(list []diagram.Template) []diagram.Template {
	if list == nil {
		return []diagram.Template{}
	}
	return list
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var syntaxErr *diagram.SyntaxError
	if errors.As(err, &syntaxErr) {
		return http.StatusUnprocessableEntity, "DIAGRAM_SYNTAX", syntaxErr.Error(), map[string]any{
			"line":    syntaxErr.Line,
			"message": syntaxErr.Message,
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gitrepo.ErrNoRepo),
		errors.Is(err, plumbing.ErrReferenceNotFound), errors.Is(err, plumbing.ErrObjectNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, diagram.ErrRendererUnavailable):
		return http.StatusServiceUnavailable, "RENDERER_UNAVAILABLE", "Diagram renderer is not available", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
