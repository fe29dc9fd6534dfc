package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes the tool set over the Model Context Protocol. Tool
// failures surface as IsError results, never as protocol errors.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"ctxd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("ctxd — context retrieval engine: store, search, and compose contextual knowledge."),
		server.WithRecovery(),
	)

	for _, tool := range Tools(deps) {
		s.AddTool(mcpTool(tool), mcpHandler(tool))
	}
	return s
}

func mcpTool(tool Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(tool.Description)}
	for name, p := range tool.Parameters {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		switch p.Type {
		case "number":
			opts = append(opts, mcp.WithNumber(name, propOpts...))
		case "object":
			opts = append(opts, mcp.WithObject(name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(name, propOpts...))
		}
	}
	return mcp.NewTool(tool.Name, opts...)
}

func mcpHandler(tool Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()
		for name, p := range tool.Parameters {
			if p.Required && paramString(params, name) == "" {
				return mcpError(fmt.Sprintf("%s is required", name)), nil
			}
		}

		result, err := tool.Handler(ctx, params)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		if s, ok := result.(string); ok {
			return mcpText(s), nil
		}
		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
