package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ctxd/internal/config"
)

// --- store ---

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Store content into the context engine",
	Long: `Store content into the context engine.

Storage is asynchronous: the command returns a task id immediately and
the daemon chunks, embeds, and links the content in the background.

Examples:
  ctxd store --text "We use sentence chunking for prose" --metadata topic=chunking
  ctxd store --file ./notes.md --kind markdown --tier warm
  ctxd store --document ./paper.pdf --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		document, _ := cmd.Flags().GetString("document")
		contentType, _ := cmd.Flags().GetString("content-type")
		metaStr, _ := cmd.Flags().GetString("metadata")
		tier, _ := cmd.Flags().GetString("tier")
		chunker, _ := cmd.Flags().GetString("chunker")
		kind, _ := cmd.Flags().GetString("kind")
		wait, _ := cmd.Flags().GetBool("wait")

		if text == "" && file == "" && document == "" {
			return fmt.Errorf("one of --text, --file, or --document is required")
		}

		req := map[string]any{}
		if meta := parseMetadata(metaStr); len(meta) > 0 {
			req["metadata"] = meta
		}
		if tier != "" {
			req["tier"] = tier
		}
		if chunker != "" {
			req["chunker"] = chunker
		}
		if kind != "" {
			req["kind"] = kind
		}

		switch {
		case text != "":
			req["text"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["text"] = string(data)
		case document != "":
			data, err := os.ReadFile(document)
			if err != nil {
				return fmt.Errorf("reading document: %w", err)
			}
			req["document"] = base64.StdEncoding.EncodeToString(data)
			if contentType != "" {
				req["content_type"] = contentType
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/store", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		taskID := result["task_id"]
		printSuccess("Queued task %s", taskID)

		if wait {
			return waitForTask(cmd.Context(), client, taskID)
		}
		return nil
	},
}

func init() {
	storeCmd.Flags().String("text", "", "text content to store")
	storeCmd.Flags().String("file", "", "text file to store")
	storeCmd.Flags().String("document", "", "binary document (PDF, HTML) to extract and store")
	storeCmd.Flags().String("content-type", "", "content type hint for --document")
	storeCmd.Flags().String("metadata", "", "comma-separated key=value metadata")
	storeCmd.Flags().String("tier", "", "storage tier: hot, warm, or cold")
	storeCmd.Flags().String("chunker", "", "chunking strategy: fixed, sentence, code, or semantic")
	storeCmd.Flags().String("kind", "", "content kind hint: text, code, or markdown")
	storeCmd.Flags().Bool("wait", false, "block until the storage task finishes")
}

type taskView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func waitForTask(ctx context.Context, client *apiClient, taskID string) error {
	printStep("Waiting for task %s...", taskID)
	for {
		resp, err := client.get(ctx, "/tasks/"+taskID)
		if err != nil {
			return err
		}

		var task taskView
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		if terminalStatus(task.Status) {
			if task.Status != "completed" {
				printError("Task %s: %s", task.Status, task.Error)
				return fmt.Errorf("task %s %s", taskID, task.Status)
			}
			printSuccess("Task completed")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// --- search ---

type searchHit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

type searchResponse struct {
	Results     []searchHit `json:"results"`
	Total       int         `json:"total"`
	QueryTimeMs int64       `json:"query_time_ms"`
}

func runSearch(cmd *cobra.Command, args []string, path string) error {
	query := strings.Join(args, " ")
	limit, _ := cmd.Flags().GetInt("limit")
	withMeta, _ := cmd.Flags().GetBool("metadata")
	filterStr, _ := cmd.Flags().GetString("filter")

	req := map[string]any{
		"query":            query,
		"k":                limit,
		"include_metadata": withMeta,
	}
	if filter := parseMetadata(filterStr); len(filter) > 0 {
		req["filter"] = filter
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), path, req)
	if err != nil {
		return err
	}

	var result searchResponse
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if len(result.Results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	for i, r := range result.Results {
		fmt.Printf("\n%s [score: %.3f]\n", colorize(ansiBold, fmt.Sprintf("Result %d", i+1)), r.Score)
		if len(r.Metadata) > 0 {
			fmt.Printf("  Metadata: %s\n", formatMetadata(r.Metadata))
		}
		text := r.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Printf("  %s\n", text)
	}
	fmt.Printf("\n%d results in %dms\n", result.Total, result.QueryTimeMs)
	return nil
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd, args, "/search")
	},
}

var graphSearchCmd = &cobra.Command{
	Use:   "graph-search <query>",
	Short: "Search stored context through its relationship graph",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd, args, "/graph-search")
	},
}

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, graphSearchCmd} {
		cmd.Flags().Int("limit", 5, "maximum number of results")
		cmd.Flags().Bool("metadata", false, "include metadata in results")
		cmd.Flags().String("filter", "", "comma-separated key=value metadata filters")
	}
}

// --- compose ---

var composeCmd = &cobra.Command{
	Use:   "compose <query>",
	Short: "Search and render matches as one prompt-ready text block",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		strategy, _ := cmd.Flags().GetString("composer")

		params := map[string]any{
			"query": query,
			"k":     limit,
		}
		if strategy != "" {
			params["composer"] = strategy
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/call", map[string]any{
			"name":       "compose_context",
			"parameters": params,
		})
		if err != nil {
			return err
		}

		var result struct {
			Result any    `json:"result"`
			Error  string `json:"error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Error != "" {
			return fmt.Errorf("compose failed: %s", result.Error)
		}

		text, ok := result.Result.(string)
		if !ok {
			return fmt.Errorf("unexpected compose result type %T", result.Result)
		}
		fmt.Println(text)
		return nil
	},
}

func init() {
	composeCmd.Flags().Int("limit", 5, "maximum number of results to compose")
	composeCmd.Flags().String("composer", "", "composition strategy: sequential, hierarchical, or semantic")
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show an asynchronous task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tasks/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var task any
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

// --- tools ---

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools exposed over /call and MCP",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tools")
		if err != nil {
			return err
		}

		var tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeJSON(resp, &tools); err != nil {
			return err
		}

		for _, tool := range tools {
			fmt.Printf("%s\n  %s\n", colorize(ansiBold, tool.Name), tool.Description)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func parseMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	meta := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		meta[key] = strings.TrimSpace(value)
	}
	return meta
}

func formatMetadata(meta map[string]string) string {
	parts := make([]string, 0, len(meta))
	for k, v := range meta {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
