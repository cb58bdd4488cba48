package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/tgvault/internal/archive"
	"github.com/stellarlinkco/tgvault/internal/config"
	"github.com/stellarlinkco/tgvault/internal/dialogs"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

const (
	serverName = "tgvault"

	httpShutdownTimeout = 10 * time.Second
)

// Options for creating a Server.
type Options struct {
	Version    string
	Auth       telegram.Authenticator
	SignalChan chan os.Signal // for testing signal handling
}

// Server owns the whole stack: gateway, dialog index, archive store, sync
// worker, resync scheduler and the MCP transport host.
type Server struct {
	cfg     *config.Config
	version string

	gateway *telegram.Client
	index   *dialogs.Index
	store   *archive.Store
	worker  *archive.Worker
	cron    *cron.Cron
	httpSrv *http.Server

	signalChan chan os.Signal
}

// New wires the components together. The archive database opens here;
// failure is fatal at startup.
func New(cfg *config.Config, opts Options) (*Server, error) {
	store, err := archive.OpenStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	logger := zap.NewNop()
	if cfg.Debug {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}

	authenticator := opts.Auth
	if authenticator == nil {
		authenticator = telegram.NewTerminalAuth()
	}
	gateway := telegram.New(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.Telegram.Phone, telegram.Options{
		SessionPath: cfg.SessionPath(),
		Logger:      logger,
		Auth:        authenticator,
	})

	index := dialogs.NewIndex(gateway)
	worker := archive.NewWorker(store, gateway, archive.WorkerOptions{})

	s := &Server{
		cfg:        cfg,
		version:    opts.Version,
		gateway:    gateway,
		index:      index,
		store:      store,
		worker:     worker,
		cron:       cron.New(),
		signalChan: opts.SignalChan,
	}

	dispatcher := NewDispatcher(index, gateway, store, worker)
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: opts.Version}, nil)
	dispatcher.RegisterTools(mcpSrv)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr(),
		Handler: newHandler(mcpHandler),
	}
	return s, nil
}

// Run brings the stack up and blocks until SIGINT/SIGTERM or a fatal error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.gateway.Start(ctx); err != nil {
		s.worker.Shutdown()
		return fmt.Errorf("start telegram gateway: %w", err)
	}
	if err := s.index.Init(ctx); err != nil {
		s.worker.Shutdown()
		_ = s.gateway.Close()
		return fmt.Errorf("init dialog index: %w", err)
	}

	// Pick up jobs left pending by a previous run.
	s.worker.Resume()

	if _, err := s.cron.AddFunc(s.cfg.Archive.SyncCron, s.worker.Resume); err != nil {
		log.Printf("[server] resync schedule %q invalid: %v", s.cfg.Archive.SyncCron, err)
	}
	s.cron.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on http://%s/mcp", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := s.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case sig := <-sigCh:
		log.Printf("[server] received %v, shutting down", sig)
	case err := <-errCh:
		log.Printf("[server] http error: %v", err)
		s.shutdown()
		return err
	case <-ctx.Done():
	}

	s.shutdown()
	return nil
}

// shutdown stops accepting connections, drains the worker (awaiting the
// in-flight job) and closes the gateway.
func (s *Server) shutdown() {
	shCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shCtx); err != nil {
		log.Printf("[server] http shutdown: %v", err)
	}

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(time.Second):
	}

	s.worker.Shutdown()
	if err := s.gateway.Close(); err != nil {
		log.Printf("[server] close gateway: %v", err)
	}
	log.Printf("[server] shutdown complete")
}

// newHandler builds the HTTP surface: /mcp (session negotiation and JSON-RPC
// framing live in the MCP SDK), /health, OPTIONS preflight, and a JSON-RPC
// -32601 body for unknown paths.
func newHandler(mcpHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		switch r.URL.Path {
		case "/mcp":
			mcpHandler.ServeHTTP(w, r)
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    -32601,
					"message": "Method not found",
				},
				"id": nil,
			})
		}
	})
}
