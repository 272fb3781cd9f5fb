package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"freely/api/internal/auth"
	"freely/api/internal/store"
)

const multipartMemory = 4 << 20

// HTTPObserver records one served request; metrics.Metrics satisfies it.
type HTTPObserver interface {
	ObserveHTTP(method, route string, code int, elapsed time.Duration)
}

type HTTPServer struct {
	service        *Service
	verifier       auth.Verifier
	corsOrigin     string
	maxUploadBytes int64
	observer       HTTPObserver
	metricsHandler http.Handler
	readyChecks    []readyCheck
	logger         *zap.Logger
}

type readyCheck struct {
	name  string
	check func(context.Context) error
}

type HTTPOption func(*HTTPServer)

func WithHTTPLogger(logger *zap.Logger) HTTPOption {
	return func(s *HTTPServer) { s.logger = logger }
}

func WithMaxUploadBytes(n int64) HTTPOption {
	return func(s *HTTPServer) { s.maxUploadBytes = n }
}

// WithReadyCheck adds a dependency probed by /api/ready next to the database.
func WithReadyCheck(name string, check func(context.Context) error) HTTPOption {
	return func(s *HTTPServer) { s.readyChecks = append(s.readyChecks, readyCheck{name: name, check: check}) }
}

// WithMetrics records every request on observer and serves handler on
// /metrics.
func WithMetrics(observer HTTPObserver, handler http.Handler) HTTPOption {
	return func(s *HTTPServer) {
		s.observer = observer
		s.metricsHandler = handler
	}
}

func NewHTTPServer(service *Service, verifier auth.Verifier, corsOrigin string, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		service:        service,
		verifier:       verifier,
		corsOrigin:     corsOrigin,
		maxUploadBytes: 10 << 20,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/api/me", s.handleMe)
		r.Get("/api/search", s.handleSearch)

		r.Route("/api/risk-analysis", func(r chi.Router) {
			r.Post("/", s.handleCreate(store.TypeAnalysis))
			r.Get("/", s.handleList(store.TypeAnalysis))
			r.Get("/{id}", s.handleGet(store.TypeAnalysis))
			r.Delete("/{id}", s.handleDelete(store.TypeAnalysis))
			r.Get("/{id}/upload", s.handleUploadURL(store.TypeAnalysis))
			r.Post("/{id}/generate-proposal", s.handleGenerateProposal)
		})

		r.Route("/api/proposals", func(r chi.Router) {
			r.Post("/", s.handleCreate(store.TypeProposal))
			r.Get("/", s.handleList(store.TypeProposal))
			r.Get("/{id}", s.handleGet(store.TypeProposal))
			r.Delete("/{id}", s.handleDelete(store.TypeProposal))
			r.Patch("/{id}", s.handleUpdate)
			r.Post("/{id}/generate-risk-report", s.handleGenerateRiskReport)
			r.Get("/{id}/history", s.handleHistory)
			r.Post("/{id}/restore", s.handleRestore)
			r.Put("/{id}/save", s.handleSave)
			r.Get("/{id}/export", s.handleExport)
			r.Get("/{id}/commits", s.handleCommits)
			r.Get("/{id}/commits/{hash}", s.handleCommitContent)
			r.Get("/{id}/upload", s.handleUploadURL(store.TypeProposal))
		})
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	probes := append([]readyCheck{{name: "database", check: s.service.Ping}}, s.readyChecks...)
	for _, probe := range probes {
		if err := probe.check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[probe.name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[probe.name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, callerFrom(r.Context()))
}

func (s *HTTPServer) handleCreate(recordType store.RecordType) http.HandlerFunc {
	kindField := "analysis_type"
	if recordType == store.TypeProposal {
		kindField = "proposal_type"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.parseForm(w, r); err != nil {
			s.fail(w, r, err)
			return
		}
		file, err := formFile(r, "chat_file")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		in := CreateInput{
			Kind:       r.FormValue(kindField),
			ClientName: r.FormValue("client_name"),
			Text:       r.FormValue("text"),
			File:       file,
		}
		caller := callerFrom(r.Context())
		create := s.service.CreateAnalysis
		if recordType == store.TypeProposal {
			create = s.service.CreateProposal
		}
		rec, err := create(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toResponse(rec))
	}
}

func (s *HTTPServer) handleList(recordType store.RecordType) http.HandlerFunc {
	key := "analyses"
	if recordType == store.TypeProposal {
		key = "proposals"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", defaultListLimit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		skip, err := queryInt(r, "skip", 0)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		records, err := s.service.List(r.Context(), callerFrom(r.Context()), recordType, limit, skip)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]recordResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{key: items, "count": len(items)})
	}
}

func (s *HTTPServer) handleGet(recordType store.RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.service.Get(r.Context(), callerFrom(r.Context()), recordType, chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(rec))
	}
}

func (s *HTTPServer) handleDelete(recordType store.RecordType) http.HandlerFunc {
	message := "Risk analysis deleted successfully"
	if recordType == store.TypeProposal {
		message = "Proposal deleted successfully"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.service.Delete(r.Context(), callerFrom(r.Context()), recordType, id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": message, "deleted_id": id})
	}
}

func (s *HTTPServer) handleGenerateProposal(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.GenerateProposalFromAnalysis(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(rec))
}

func (s *HTTPServer) handleGenerateRiskReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.GenerateRiskReportFromProposal(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(rec))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.service.History(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var raw string
	if isJSON(r) {
		var body struct {
			VersionIndex *int `json:"version_index"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, badRequest(err.Error()))
			return
		}
		if body.VersionIndex != nil {
			raw = strconv.Itoa(*body.VersionIndex)
		}
	} else {
		if err := s.parseForm(w, r); err != nil {
			s.fail(w, r, err)
			return
		}
		raw = strings.TrimSpace(r.FormValue("version_index"))
	}
	if raw == "" {
		s.fail(w, r, badRequest("version_index is required"))
		return
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		s.fail(w, r, badRequest("version_index must be an integer"))
		return
	}

	rec, err := s.service.Restore(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *HTTPServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.fail(w, r, err)
		return
	}
	file, err := formFile(r, "chat_file")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.service.UpdateProposal(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), r.FormValue("user_changes"), file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	var content string
	if isJSON(r) {
		var body struct {
			FormattedProposal string `json:"formatted_proposal"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, badRequest(err.Error()))
			return
		}
		content = body.FormattedProposal
	} else {
		if err := s.parseForm(w, r); err != nil {
			s.fail(w, r, err)
			return
		}
		content = r.FormValue("formatted_proposal")
	}

	rec, err := s.service.Save(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var version *int
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, badRequest("version must be an integer"))
			return
		}
		version = &parsed
	}
	result, err := s.service.Export(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), r.URL.Query().Get("format"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleCommits(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	commits, err := s.service.Commits(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleCommitContent(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	content, err := s.service.CommitContent(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "formatted_proposal": content})
}

func (s *HTTPServer) handleUploadURL(recordType store.RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link, ttl, err := s.service.UploadURL(r.Context(), callerFrom(r.Context()), recordType, chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": link, "expires_in": int(ttl.Seconds())})
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	response, err := s.service.Search(r.Context(), callerFrom(r.Context()), query.Get("q"), query.Get("type"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// recordResponse adds the per-type kind aliases the web client reads.
type recordResponse struct {
	store.Record
	AnalysisType string `json:"analysis_type,omitempty"`
	ProposalType string `json:"proposal_type,omitempty"`
}

func toResponse(rec store.Record) recordResponse {
	resp := recordResponse{Record: rec}
	if rec.Type == store.TypeProposal {
		resp.ProposalType = string(rec.Kind)
	} else {
		resp.AnalysisType = string(rec.Kind)
	}
	return resp
}

type callerKey struct{}

func callerFrom(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(callerKey{}).(auth.Claims)
	return claims
}

func (s *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.fail(w, r, &auth.AuthError{Kind: auth.KindMissingCredential})
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		elapsed := time.Since(started)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		if s.observer != nil {
			s.observer.ObserveHTTP(r.Method, route, writer.status, elapsed)
		}
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

// parseForm reads a urlencoded or multipart body capped at the upload limit.
func (s *HTTPServer) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(multipartMemory)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return domainError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			fmt.Sprintf("Upload exceeds the %d byte limit", s.maxUploadBytes), nil)
	}
	return badRequest("invalid form body")
}

func formFile(r *http.Request, field string) (*Upload, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, badRequest(fmt.Sprintf("invalid %s", field))
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	return &Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest(fmt.Sprintf("%s must be an integer", key))
	}
	return value, nil
}

func isJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json"
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
