// Package api is the wire layer: chi REST handlers, the tool-invocation
// protocol, and the MCP server, all delegating to the engine.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ctxd/internal/chunking"
	"github.com/kalambet/ctxd/internal/engine"
	"github.com/kalambet/ctxd/internal/retrieval"
	"github.com/kalambet/ctxd/internal/store"
	"github.com/kalambet/ctxd/internal/tasks"
)

const maxRequestBodySize = 10 << 20 // 10MB

// Deps holds everything the wire layer needs.
type Deps struct {
	Engine *engine.Engine

	// Token guards management routes when non-empty. /health stays open.
	Token string

	// SearchRetriever names the retriever behind /search; empty pools every
	// registered retriever. GraphRetriever names the one behind
	// /graph-search.
	SearchRetriever string
	GraphRetriever  string
}

// NewHandler builds the REST router.
func NewHandler(deps Deps) http.Handler {
	if deps.GraphRetriever == "" {
		deps.GraphRetriever = "graph"
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/store", handleStore(deps))
		r.Post("/search", handleSearch(deps, false))
		r.Post("/graph-search", handleSearch(deps, true))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Get("/tools", handleListTools(deps))
		r.Post("/call", handleCall(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StoreRequest is the /store body. Either text or a base64 document must be
// present; documents are run through text extraction before chunking.
type StoreRequest struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Tier     string            `json:"tier"`
	Chunker  string            `json:"chunker"`
	Kind     string            `json:"kind"`

	Document    string `json:"document"`
	ContentType string `json:"content_type"`
}

func handleStore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		text := req.Text
		if req.Document != "" {
			raw, err := base64.StdEncoding.DecodeString(req.Document)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 document")
				return
			}
			extracted, err := ExtractText(raw, req.ContentType)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting document text: %v", err)
				return
			}
			text = extracted
		}

		taskID, err := deps.Engine.StoreContext(r.Context(), engine.StoreRequest{
			Content:  text,
			Metadata: req.Metadata,
			Tier:     req.Tier,
			Chunker:  req.Chunker,
			Kind:     chunking.Kind(req.Kind),
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{
			"task_id": taskID,
			"status":  "processing",
			"message": "context accepted for asynchronous storage",
		})
	}
}

// SearchRequest is the /search and /graph-search body.
type SearchRequest struct {
	Query           string            `json:"query"`
	K               int               `json:"k"`
	IncludeMetadata bool              `json:"include_metadata"`
	Filter          map[string]string `json:"filter"`
}

// SearchHit is one search result on the wire.
type SearchHit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResponse is the /search and /graph-search response.
type SearchResponse struct {
	Results     []SearchHit `json:"results"`
	Total       int         `json:"total"`
	QueryTimeMs int64       `json:"query_time_ms"`
}

func handleSearch(deps Deps, graph bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		name := deps.SearchRetriever
		if graph {
			name = deps.GraphRetriever
		}

		start := time.Now()
		results, err := deps.Engine.RetrieveContext(r.Context(), retrieval.ContextQuery{
			Query:           req.Query,
			MaxResults:      req.K,
			Filters:         req.Filter,
			IncludeMetadata: req.IncludeMetadata,
		}, name)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		resp := SearchResponse{
			Results:     make([]SearchHit, 0, len(results)),
			Total:       len(results),
			QueryTimeMs: time.Since(start).Milliseconds(),
		}
		for _, res := range results {
			hit := SearchHit{ID: res.SourceRef, Text: res.Text, Score: res.Score}
			if req.IncludeMetadata {
				hit.Metadata = res.Metadata
			}
			resp.Results = append(resp.Results, hit)
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

// TaskResponse is the /tasks/{id} response.
type TaskResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		task, err := deps.Engine.Tasks().Get(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, taskResponse(task))
	}
}

func taskResponse(task tasks.Task) TaskResponse {
	resp := TaskResponse{
		ID:        task.ID,
		Status:    string(task.Status),
		Result:    task.Result,
		Error:     task.Err,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
	}
	if !task.FinishedAt.IsZero() {
		resp.FinishedAt = task.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

// writeEngineError maps engine and storage errors onto the wire: malformed
// input is 400, unknown things are 404, everything else is an opaque 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case store.IsValidation(err):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, engine.ErrUnknownStrategy):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	respondJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
