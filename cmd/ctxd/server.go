package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/ctxd/internal/api"
	"github.com/kalambet/ctxd/internal/chunking"
	"github.com/kalambet/ctxd/internal/composer"
	"github.com/kalambet/ctxd/internal/config"
	"github.com/kalambet/ctxd/internal/driver"
	"github.com/kalambet/ctxd/internal/embedding"
	"github.com/kalambet/ctxd/internal/engine"
	"github.com/kalambet/ctxd/internal/retrieval"
	"github.com/kalambet/ctxd/internal/store"
	"github.com/kalambet/ctxd/internal/tasks"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ctxd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ctxd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ctxd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ctxd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ctxd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	if cfg.Server.AuthToken == "" {
		printWarning("CTXD_AUTH_TOKEN not set, management endpoints are unauthenticated")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ctxd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ctxd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the tier drivers. Hot and warm items live in the fast database,
	// cold items and the relationship graph in the bulk one.
	fast, err := driver.OpenSQLite(cfg.Storage.DataDir, "fast")
	if err != nil {
		return fmt.Errorf("opening fast storage: %w", err)
	}
	defer func() {
		if err := fast.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing fast storage: %v\n", err)
		}
	}()

	bulk, err := driver.OpenSQLite(cfg.Storage.DataDir, "bulk")
	if err != nil {
		return fmt.Errorf("opening bulk storage: %w", err)
	}
	defer func() {
		if err := bulk.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing bulk storage: %v\n", err)
		}
	}()

	st := store.NewTiered(fast, bulk, store.Options{
		CacheSize:  cfg.Storage.CacheSize,
		CacheTTL:   config.Duration(cfg.Storage.CacheTTL, 5*time.Minute),
		Dimensions: cfg.Embedding.Dimensions,
	})

	embedder := embedding.NewHash(cfg.Embedding.Dimensions)

	manager := tasks.NewManager(0)
	manager.Start()
	defer manager.Stop()

	// Assemble the engine and its strategy registries.
	eng := engine.New(st, embedder, manager)

	eng.RegisterChunker("fixed", chunking.NewFixed(cfg.Chunking.Size, cfg.Chunking.Overlap))
	eng.RegisterChunker("sentence", chunking.NewSentence(0))
	eng.RegisterChunker("code", chunking.NewCode(cfg.Chunking.Size, cfg.Chunking.Overlap))
	eng.RegisterChunker("semantic", chunking.NewSemantic(embedder, cfg.Chunking.SemanticThreshold))
	eng.SetDefaultChunker(cfg.Chunking.Default)

	hybridTimeout := config.Duration(cfg.Retrieval.HybridTimeout, 2*time.Second)
	vector := retrieval.NewVector(embedder, st, cfg.Retrieval.TopK)
	graph := retrieval.NewGraph(embedder, bulk, cfg.Retrieval.TopK,
		retrieval.WithGraphDepth(cfg.Retrieval.GraphDepth))
	hybrid := retrieval.NewHybrid([]retrieval.Weighted{
		{Retriever: vector, Weight: cfg.Retrieval.VectorWeight},
		{Retriever: graph, Weight: cfg.Retrieval.GraphWeight},
	}, cfg.Retrieval.TopK,
		retrieval.WithTimeout(hybridTimeout),
		retrieval.WithReranker(retrieval.NewLexicalReranker(hybridTimeout)))

	eng.RegisterRetriever("vector", vector)
	eng.RegisterRetriever("graph", graph)
	eng.RegisterRetriever("hybrid", hybrid)

	eng.RegisterComposer("sequential", composer.NewSequential())
	eng.RegisterComposer("hierarchical", composer.NewHierarchical("kind"))
	eng.RegisterComposer("semantic", composer.NewSemantic(embedder, 0))

	// Periodic expiry sweep for the fast tier.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Storage.SweepSchedule, func() {
		swept, err := fast.SweepExpired(context.Background())
		if err != nil {
			slog.Error("expiry sweep failed", "error", err)
			return
		}
		st.PurgeCache()
		if swept > 0 {
			slog.Info("expiry sweep", "removed", swept)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Storage.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Build HTTP handler and server.
	deps := api.Deps{
		Engine:          eng,
		Token:           cfg.Server.AuthToken,
		SearchRetriever: "hybrid",
		GraphRetriever:  "graph",
	}
	handler := api.NewHandler(deps)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ctxd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ctxd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ctxd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ctxd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding dims", "%d", cfg.Embedding.Dimensions)
	printStatus("Default chunker", "%s", cfg.Chunking.Default)
	printStatus("Retrieval top-k", "%d", cfg.Retrieval.TopK)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
