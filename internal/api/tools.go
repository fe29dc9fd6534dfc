package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kalambet/ctxd/internal/engine"
	"github.com/kalambet/ctxd/internal/retrieval"
)

// ToolParam describes one tool parameter for discovery.
type ToolParam struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Tool is one invokable operation: its discovery contract plus handler.
type Tool struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ToolParam `json:"parameters"`
	Returns     string               `json:"returns"`

	Handler func(ctx context.Context, params map[string]any) (any, error) `json:"-"`
}

// Tools builds the tool set shared by the REST /call endpoint and the MCP
// server.
func Tools(deps Deps) []Tool {
	return []Tool{
		{
			Name:        "store_context",
			Description: "Store text into the context engine for later retrieval. Returns the id of the asynchronous storage task.",
			Parameters: map[string]ToolParam{
				"text":     {Type: "string", Description: "The text content to store", Required: true},
				"metadata": {Type: "object", Description: "Key-value metadata attached to every chunk"},
				"tier":     {Type: "string", Description: "Storage tier: hot, warm, or cold (default hot)"},
				"chunker":  {Type: "string", Description: "Chunking strategy name (default sentence)"},
				"kind":     {Type: "string", Description: "Content kind hint: text, code, or markdown"},
			},
			Returns: "object with task_id and status",
			Handler: toolStoreContext(deps),
		},
		{
			Name:        "search_context",
			Description: "Semantically search stored context and return ranked matches.",
			Parameters: map[string]ToolParam{
				"query":  {Type: "string", Description: "Search query", Required: true},
				"k":      {Type: "number", Description: "Maximum number of results (default 5)"},
				"filter": {Type: "object", Description: "Metadata filters; every entry must match"},
			},
			Returns: "array of {id, text, score, metadata}",
			Handler: toolSearch(deps, false),
		},
		{
			Name:        "graph_search",
			Description: "Search stored context through its relationship graph, surfacing connected items.",
			Parameters: map[string]ToolParam{
				"query":  {Type: "string", Description: "Search query", Required: true},
				"k":      {Type: "number", Description: "Maximum number of results (default 5)"},
				"filter": {Type: "object", Description: "Metadata filters; every entry must match"},
			},
			Returns: "array of {id, text, score, metadata}",
			Handler: toolSearch(deps, true),
		},
		{
			Name:        "compose_context",
			Description: "Search stored context and render the matches as one prompt-ready text block.",
			Parameters: map[string]ToolParam{
				"query":    {Type: "string", Description: "Search query", Required: true},
				"k":        {Type: "number", Description: "Maximum number of results (default 5)"},
				"composer": {Type: "string", Description: "Composition strategy name (default sequential)"},
			},
			Returns: "string",
			Handler: toolCompose(deps),
		},
		{
			Name:        "get_task",
			Description: "Inspect the status and result of an asynchronous task.",
			Parameters: map[string]ToolParam{
				"task_id": {Type: "string", Description: "Task id returned by store_context", Required: true},
			},
			Returns: "object with status, result, and error",
			Handler: toolGetTask(deps),
		},
	}
}

func handleListTools(deps Deps) http.HandlerFunc {
	tools := Tools(deps)
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, tools)
	}
}

// CallRequest is the /call body.
type CallRequest struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// handleCall invokes a tool by name. A failing tool is not a transport
// failure: the response stays 200 with a null result and an error message.
// Only an unknown tool is a 404.
func handleCall(deps Deps) http.HandlerFunc {
	byName := make(map[string]Tool)
	for _, tool := range Tools(deps) {
		byName[tool.Name] = tool
	}

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		tool, ok := byName[req.Name]
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "unknown tool %q", req.Name)
			return
		}

		result, err := tool.Handler(r.Context(), req.Parameters)
		if err != nil {
			respondJSON(w, http.StatusOK, map[string]any{
				"result": nil,
				"error":  err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

// --- handlers ---

func toolStoreContext(deps Deps) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, params map[string]any) (any, error) {
		taskID, err := deps.Engine.StoreContext(ctx, engine.StoreRequest{
			Content:  paramString(params, "text"),
			Metadata: paramStringMap(params, "metadata"),
			Tier:     paramString(params, "tier"),
			Chunker:  paramString(params, "chunker"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"task_id": taskID, "status": "processing"}, nil
	}
}

func toolSearch(deps Deps, graph bool) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, params map[string]any) (any, error) {
		name := deps.SearchRetriever
		if graph {
			name = deps.GraphRetriever
		}
		results, err := deps.Engine.RetrieveContext(ctx, retrieval.ContextQuery{
			Query:      paramString(params, "query"),
			MaxResults: paramInt(params, "k", 5),
			Filters:    paramStringMap(params, "filter"),
		}, name)
		if err != nil {
			return nil, err
		}

		hits := make([]SearchHit, 0, len(results))
		for _, res := range results {
			hits = append(hits, SearchHit{
				ID:       res.SourceRef,
				Text:     res.Text,
				Score:    res.Score,
				Metadata: res.Metadata,
			})
		}
		return hits, nil
	}
}

func toolCompose(deps Deps) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, params map[string]any) (any, error) {
		results, err := deps.Engine.RetrieveContext(ctx, retrieval.ContextQuery{
			Query:      paramString(params, "query"),
			MaxResults: paramInt(params, "k", 5),
		}, deps.SearchRetriever)
		if err != nil {
			return nil, err
		}

		name := paramString(params, "composer")
		if name == "" {
			name = "sequential"
		}
		return deps.Engine.ComposeContext(name, results)
	}
}

func toolGetTask(deps Deps) func(context.Context, map[string]any) (any, error) {
	return func(_ context.Context, params map[string]any) (any, error) {
		task, err := deps.Engine.Tasks().Get(paramString(params, "task_id"))
		if err != nil {
			return nil, err
		}
		return taskResponse(task), nil
	}
}

// --- parameter coercion ---

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]any, key string, def int) int {
	// JSON numbers decode as float64.
	if f, ok := params[key].(float64); ok && int(f) > 0 {
		return int(f)
	}
	return def
}

func paramStringMap(params map[string]any, key string) map[string]string {
	raw, ok := params[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
