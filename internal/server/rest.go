// Copyright 2025 Joseph Cumines
//
// REST surface over the inspector operations

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/metrics"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// maxRESTBody bounds JSON request bodies.
const maxRESTBody = 1 << 20

var restValidate = validator.New(validator.WithRequiredStructEnabled())

type searchBody struct {
	Criteria map[string]any `json:"criteria" validate:"required"`
	FindAll  bool           `json:"findAll"`
}

type actionBody struct {
	Parameters map[string]any `json:"parameters"`
	Path       *string        `json:"path" validate:"required"`
	Action     string         `json:"action" validate:"required"`
}

type waitBody struct {
	Criteria map[string]any `json:"criteria" validate:"required"`
	Timeout  float64        `json:"timeout" validate:"gte=0,lte=300"`
}

// errorBody is the JSON body of every failed REST response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind       uierror.Kind `json:"kind"`
	Message    string       `json:"message"`
	Path       string       `json:"path,omitempty"`
	Suggestion string       `json:"suggestion,omitempty"`
}

// REST serves the inspector operations as JSON over HTTP, for mounting under
// /v1:
//
//	GET  /tree?force=true
//	GET  /elements/{path}
//	GET  /elements:byIdentifier?identifier=submit&type=testID
//	POST /elements:search   {"criteria": {...}, "findAll": true}
//	POST /elements:wait     {"criteria": {...}, "timeout": 5}
//	POST /actions           {"action": "tap", "path": "2.2", "parameters": {...}}
//	GET  /status
type REST struct {
	engine  Engine
	metrics *metrics.Registry
	logger  *slog.Logger
	router  chi.Router
}

// NewREST creates the REST handler.
func NewREST(engine Engine, m *metrics.Registry, logger *slog.Logger) *REST {
	if logger == nil {
		logger = slog.Default()
	}
	h := &REST{engine: engine, metrics: m, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.instrument)
	r.Get("/tree", h.getTree)
	r.Get("/elements:byIdentifier", h.getByIdentifier)
	r.Post("/elements:search", h.search)
	r.Post("/elements:wait", h.wait)
	r.Get("/elements/*", h.getElement)
	r.Post("/actions", h.performAction)
	r.Get("/status", h.status)
	h.router = r
	return h
}

func (h *REST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument echoes the request ID and records request metrics labelled by
// route pattern.
func (h *REST) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := "success"
		if rec.status >= 400 {
			status = strconv.Itoa(rec.status)
		}
		h.metrics.RecordRequest("rest "+r.Method+" "+route, status, time.Since(start))
	})
}

func (h *REST) getTree(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	root, err := h.engine.BuildTree(r.Context(), force)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, root)
}

func (h *REST) getElement(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	el, err := h.engine.GetElementMetadata(r.Context(), path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, el)
}

func (h *REST) getByIdentifier(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identifier := q.Get("identifier")
	if identifier == "" {
		h.writeError(w, uierror.New(uierror.InvalidCriteria, "find element", "identifier query parameter is required"))
		return
	}
	identifierType := q.Get("type")
	if identifierType == "" {
		identifierType = "testID"
	}
	el, err := h.engine.FindElement(r.Context(), identifier, identifierType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, el)
}

func (h *REST) search(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if !h.decode(w, r, &body, uierror.InvalidCriteria) {
		return
	}
	res, err := h.engine.FindElements(r.Context(), body.Criteria, body.FindAll)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *REST) wait(w http.ResponseWriter, r *http.Request) {
	var body waitBody
	if !h.decode(w, r, &body, uierror.InvalidCriteria) {
		return
	}
	el, err := h.engine.WaitForElement(r.Context(), body.Criteria, time.Duration(body.Timeout*float64(time.Second)))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, el)
}

// performAction always answers with the action result; failed actions carry
// the status of their error kind.
func (h *REST) performAction(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if !h.decode(w, r, &body, uierror.InvalidParameters) {
		return
	}
	res := h.engine.PerformAction(r.Context(), action.Request{
		Kind:       action.Kind(body.Action),
		TargetPath: *body.Path,
		Parameters: body.Parameters,
	})
	code := http.StatusOK
	if !res.OK && res.Error != nil {
		code = httpStatus(res.Error.Kind)
	}
	h.writeJSON(w, code, res)
}

func (h *REST) status(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Status())
}

// decode reads a JSON body into dst and validates it, writing an error of
// kind on failure.
func (h *REST) decode(w http.ResponseWriter, r *http.Request, dst any, kind uierror.Kind) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRESTBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, uierror.New(kind, "decode request", "invalid JSON body: %v", err))
		return false
	}
	if err := restValidate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", jsonFieldName(fe), fe.Tag()))
			}
			err = errors.New(strings.Join(problems, "; "))
		}
		h.writeError(w, uierror.Wrap(kind, "validate request", err))
		return false
	}
	return true
}

// jsonFieldName lower-cases the first letter of the struct field, matching
// the json tags above.
func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func (h *REST) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encoding REST response", "error", err)
	}
}

func (h *REST) writeError(w http.ResponseWriter, err error) {
	kind := uierror.KindOf(err)
	detail := errorDetail{
		Kind:       kind,
		Message:    errorMessage(err),
		Suggestion: kindSuggestion(kind),
	}
	var e *uierror.Error
	if errors.As(err, &e) {
		detail.Path = e.Path
	}
	h.writeJSON(w, httpStatus(kind), errorBody{Error: detail})
}

// httpStatus maps an error kind to an HTTP status.
func httpStatus(kind uierror.Kind) int {
	switch kind {
	case uierror.NotFound, uierror.ElementNotFound:
		return http.StatusNotFound
	case uierror.InvalidCriteria, uierror.InvalidParameters:
		return http.StatusBadRequest
	case uierror.StaleHandle:
		return http.StatusConflict
	case uierror.BuildUnavailable:
		return http.StatusServiceUnavailable
	case uierror.ActionExecutionFailed:
		return http.StatusUnprocessableEntity
	case uierror.ActionTimeout:
		return http.StatusGatewayTimeout
	case uierror.Cancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
