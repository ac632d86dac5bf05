package testplanapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/testgen/llm"
	plangenerator "github.com/c360studio/testgen/processor/plan-generator"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
)

// Headers set by the upstream authentication layer.
const (
	HeaderUserID  = "X-User-ID"
	HeaderIsAdmin = "X-User-Admin"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeInputInvalid      = "input_invalid"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeUpstreamFailed    = "upstream_failed"
	CodeEmptyModelOutput  = "empty_model_response"
	CodeMalformedOutput   = "malformed_output"
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeInvalidTransition = "invalid_transition"
	CodeConflict          = "conflict"
	CodeInternal          = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	RawAIResponse string `json:"rawAiResponse,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

// RunResponse is returned when a run is queued.
type RunResponse struct {
	RunID      string          `json:"runId"`
	TestPlanID string          `json:"testPlanId"`
	Status     testplan.Status `json:"status"`
}

// ListResponse wraps the merged document listing.
type ListResponse struct {
	Items []testplan.Document `json:"items"`
}

// ModelInfo describes one configured model.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`

	// Available is false when no backend is registered for Provider.
	Available bool `json:"available"`
}

// ModelsResponse lists configured models and the registered backends.
type ModelsResponse struct {
	Default   string      `json:"default"`
	Models    []ModelInfo `json:"models"`
	Providers []string    `json:"providers"`
}

type createRunRequest struct {
	TestPlanID string `json:"testPlanId"`
}

type advanceRequest struct {
	Status  testplan.Status `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
}

// RegisterHTTPHandlers registers the API under prefix:
//
//	POST   <prefix>/generate
//	POST   <prefix>/runs
//	POST   <prefix>/runs/{id}/status
//	GET    <prefix>/documents
//	GET    <prefix>/documents/{id}
//	DELETE <prefix>/documents/{id}
//	GET    <prefix>/models
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = "/" + strings.Trim(prefix, "/")

	mux.Handle("POST "+prefix+"/generate", c.authenticated(c.handleGenerate))
	mux.Handle("POST "+prefix+"/runs", c.authenticated(c.handleCreateRun))
	mux.Handle("POST "+prefix+"/runs/{id}/status", c.authenticated(c.handleAdvance))
	mux.Handle("GET "+prefix+"/documents", c.authenticated(c.handleListDocuments))
	mux.Handle("GET "+prefix+"/documents/{id}", c.authenticated(c.handleGetDocument))
	mux.Handle("DELETE "+prefix+"/documents/{id}", c.authenticated(c.handleDeleteDocument))
	mux.Handle("GET "+prefix+"/models", c.authenticated(c.handleModels))
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p testplan.Principal)

// authenticated resolves the caller from upstream headers.
func (c *Component) authenticated(next principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error:   CodeUnauthenticated,
				Message: "missing " + HeaderUserID + " header",
			})
			return
		}
		isAdmin, _ := strconv.ParseBool(r.Header.Get(HeaderIsAdmin))
		next(w, r, testplan.Principal{UserID: userID, IsAdmin: isAdmin})
	})
}

// ----------------------------------------------------------------------------
// POST /api/generate
// ----------------------------------------------------------------------------

func (c *Component) handleGenerate(w http.ResponseWriter, r *http.Request, p testplan.Principal) {
	var req plangenerator.Request
	if !c.decodeBody(w, r, &req) {
		return
	}
	req.OwnerID = p.UserID

	result, err := c.generator.Generate(r.Context(), req)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ----------------------------------------------------------------------------
// POST /api/runs
// ----------------------------------------------------------------------------

func (c *Component) handleCreateRun(w http.ResponseWriter, r *http.Request, p testplan.Principal) {
	var req createRunRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	report, err := c.runs.CreateRun(r.Context(), p, req.TestPlanID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{
		RunID:      report.ID,
		TestPlanID: report.TestPlanID,
		Status:     report.Status,
	})
}

// handleAdvance is the execution engine callback.
func (c *Component) handleAdvance(w http.ResponseWriter, r *http.Request, p testplan.Principal) {
	var req advanceRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	report, err := c.runs.Advance(r.Context(), p, r.PathValue("id"), req.Status, req.Results)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, testplan.ReportDocument(report))
}

// ----------------------------------------------------------------------------
// /api/documents
// ----------------------------------------------------------------------------

func (c *Component) handleGetDocument(w http.ResponseWriter, r *http.Request, p testplan.Principal) {
	doc, err := c.Lookup(r.Context(), p, r.PathValue("id"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (c *Component) handleDeleteDocument(w http.ResponseWriter, r *http.Request, p testplan.Principal) {
	if err := c.Delete(r.Context(), p, r.PathValue("id")); err != nil {
		c.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Component) handleListDocuments(w http.ResponseWriter, r *http.Request, p testplan.Principal) {
	f, err := parseDocumentFilter(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	docs, err := c.List(r.Context(), p, f)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: docs})
}

// parseDocumentFilter reads type, status, search, limit and skip.
func parseDocumentFilter(r *http.Request) (DocumentFilter, error) {
	q := r.URL.Query()
	f := DocumentFilter{Search: strings.TrimSpace(q.Get("search"))}

	switch t := testplan.DocumentType(q.Get("type")); t {
	case "", testplan.DocumentPlan, testplan.DocumentReport:
		f.Type = t
	default:
		return f, fmt.Errorf("%w: type must be plan or report", testplan.ErrInputInvalid)
	}

	if s := q.Get("status"); s != "" {
		status, ok := testplan.ParseStatus(s)
		if !ok {
			return f, fmt.Errorf("%w: unknown status %q", testplan.ErrInputInvalid, s)
		}
		f.Status = status
	}

	var err error
	if f.Limit, err = nonNegativeInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("%w: limit: %w", testplan.ErrInputInvalid, err)
	}
	if f.Skip, err = nonNegativeInt(q.Get("skip")); err != nil {
		return f, fmt.Errorf("%w: skip: %w", testplan.ErrInputInvalid, err)
	}
	return f, nil
}

func nonNegativeInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// GET /api/models
// ----------------------------------------------------------------------------

func (c *Component) handleModels(w http.ResponseWriter, _ *http.Request, _ testplan.Principal) {
	resp := ModelsResponse{Models: []ModelInfo{}, Providers: llm.ListProviders()}
	if c.models != nil {
		resp.Default = c.models.Default()
		for _, id := range c.models.ListModels() {
			info := ModelInfo{ID: id}
			if ep := c.models.GetEndpoint(id); ep != nil {
				info.Provider = ep.Provider
				info.Available = slices.Contains(resp.Providers, ep.Provider)
			}
			resp.Models = append(resp.Models, info)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// decodeBody reads a size-capped JSON body into v. On failure it writes a
// 400 response and returns false.
func (c *Component) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, c.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: CodeInputInvalid, Message: msg})
		return false
	}
	return true
}

// writeError maps the error taxonomy onto status codes.
func (c *Component) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		quotaErr     *testplan.QuotaError
		malformedErr *testplan.MalformedOutputError
	)

	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:   CodeQuotaExceeded,
			Message: quotaErr.Error(),
			Limit:   quotaErr.Limit,
			Hint:    quotaErr.Hint,
		})
	case errors.As(err, &malformedErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:         CodeMalformedOutput,
			Message:       malformedErr.Error(),
			RawAIResponse: malformedErr.Raw,
		})
	case errors.Is(err, testplan.ErrInputInvalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: CodeInputInvalid, Message: err.Error()})
	case errors.Is(err, llm.ErrNoContent):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   CodeEmptyModelOutput,
			Message: "the model returned no content",
		})
	case errors.Is(err, testplan.ErrUpstreamFailed):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   CodeUpstreamFailed,
			Message: "the model call failed",
		})
		c.logger.Warn("Model call failed", "path", r.URL.Path, "error", err)
	case errors.Is(err, testplan.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: CodeNotFound, Message: err.Error()})
	case errors.Is(err, testplan.ErrForbidden):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: CodeForbidden, Message: "access denied"})
	case errors.Is(err, testplan.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: CodeInvalidTransition, Message: err.Error()})
	case errors.Is(err, storage.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: CodeConflict, Message: "concurrent update, retry the request"})
	default:
		c.life.RecordError()
		c.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: CodeInternal, Message: "internal error"})
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (c *Component) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.life.Touch()
		c.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
