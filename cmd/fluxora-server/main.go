// Fluxora stream ledger server.
// Stdio for the local client, streamable HTTP for remote ones.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/auth"
	"github.com/fluxora/streamledger/internal/dashboard"
	"github.com/fluxora/streamledger/internal/domain"
	"github.com/fluxora/streamledger/internal/policy"
	"github.com/fluxora/streamledger/internal/repository"
	"github.com/fluxora/streamledger/internal/token"
	"github.com/fluxora/streamledger/internal/tools/ledger"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	// Handle CLI subcommands before starting MCP server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			os.Exit(runStatusCommand(os.Args[2:]))
		case "--version", "-v", "version":
			fmt.Println("fluxora-server " + Version)
			return
		}
	}

	cfg := loadConfig()
	pol := policy.New(cfg)

	logger, closeLog := setupLogger(pol.LogFile(), pol.LogLevel())
	defer closeLog()
	logger.Info("starting fluxora server",
		zap.String("version", Version),
		zap.String("backend", pol.Backend()),
		zap.String("log_file", pol.LogFile()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the server keeps running when daemonized (nohup, launchd, etc.)
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	store, err := repository.NewStreamStore(ctx, pol)
	if err != nil {
		logger.Fatal("stream store", zap.Error(err))
	}

	tokens := token.NewLedger()
	if err := mintGenesis(tokens, pol); err != nil {
		logger.Fatal("genesis balances", zap.Error(err))
	}

	sessions := newSessionStore()
	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Debug("tool called", zap.String("tool", message.Params.Name))
		}
	})
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			sessions.set(session.SessionID(), session)
			logger.Info("client session registered", zap.String("session", session.SessionID()))
		}
		if message != nil {
			ci := message.Params.ClientInfo
			logger.Info("client connected",
				zap.String("name", ci.Name),
				zap.String("version", ci.Version),
				zap.String("protocol", message.Params.ProtocolVersion))
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sessions.remove(session.SessionID())
		logger.Info("client session unregistered", zap.String("session", session.SessionID()))
	})

	mcpServer := server.NewMCPServer(
		"fluxora-server",
		Version,
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, true), // subscribe=false, listChanged=true
	)

	notifier := app.NewNotifier(pol.SignalFilePath(), store, sessions.broadcast(logger), logger)
	engine := app.NewStreamEngine(store, pol, auth.ContextAuthorizer{}, tokens, logger,
		app.WithObserver(notifier))

	if pol.AutoInit() {
		initCtx := auth.WithCaller(ctx, pol.Admin())
		switch err := engine.Init(initCtx, pol.Token(), pol.Admin()); {
		case err == nil:
			logger.Info("ledger initialized", zap.String("token", string(pol.Token())), zap.String("admin", string(pol.Admin())))
		case errors.Is(err, domain.ErrAlreadyInitialized):
		default:
			logger.Fatal("ledger init", zap.Error(err))
		}
	}

	ledger.Register(mcpServer, engine, logger,
		ledger.WithBalances(tokens),
		ledger.WithToolFilter(pol.IsToolEnabled))

	go notifier.Start(ctx)

	httpShutdown := func() {}
	if pol.HTTPPort() > 0 {
		httpShutdown = startHTTPServer(mcpServer, dashboard.NewHandler(engine), pol.HTTPPort(), logger)
	}

	logger.Info("stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Info("stdio server stopped", zap.Error(err))
	}

	cancel()
	httpShutdown()
	notifier.Stop()

	if err := store.Close(); err != nil {
		logger.Warn("close stream store", zap.Error(err))
	}
	logger.Info("server stopped")
}

// mintGenesis credits the configured genesis balances in the ledger token.
func mintGenesis(tokens *token.Ledger, pol *policy.Policy) error {
	balances := pol.GenesisBalances()
	if len(balances) == 0 {
		return nil
	}
	if pol.Token() == "" {
		return errors.New("ledger.genesis_balances requires ledger.token")
	}
	for owner, raw := range balances {
		amount, err := domain.ParseAmount(raw)
		if err != nil {
			return errors.WithMessagef(err, "balance for %s", owner)
		}
		if err := tokens.Mint(pol.Token(), domain.Principal(owner), amount); err != nil {
			return errors.WithMessagef(err, "balance for %s", owner)
		}
	}
	return nil
}

func startHTTPServer(mcpServer *server.MCPServer, dash *dashboard.Handler, port int, logger *zap.Logger) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatal("http listen", zap.Int("port", port), zap.Error(err))
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	logger.Info("http server listening",
		zap.Int("port", actualPort),
		zap.String("mcp_url", fmt.Sprintf("http://localhost:%d/mcp", actualPort)),
		zap.String("api_url", fmt.Sprintf("http://localhost:%d/api/streams/{id}", actualPort)))

	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","port":%d,"version":%q}`, actualPort, Version)
	})
	dash.RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux}

	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
}

type sessionStore struct {
	mu   sync.RWMutex
	data map[string]server.ClientSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]server.ClientSession)}
}

func (ss *sessionStore) set(id string, s server.ClientSession) {
	ss.mu.Lock()
	ss.data[id] = s
	ss.mu.Unlock()
}

func (ss *sessionStore) remove(id string) {
	ss.mu.Lock()
	delete(ss.data, id)
	ss.mu.Unlock()
}

// broadcast returns a notifier push function that sends to every initialized session.
func (ss *sessionStore) broadcast(logger *zap.Logger) func(method string, params any) error {
	return func(method string, params any) error {
		ss.mu.RLock()
		defer ss.mu.RUnlock()
		for sid, session := range ss.data {
			if !session.Initialized() {
				continue
			}
			notification := mcp.JSONRPCNotification{
				JSONRPC: "2.0",
				Notification: mcp.Notification{
					Method: method,
					Params: mcp.NotificationParams{AdditionalFields: map[string]any{"params": params}},
				},
			}
			select {
			case session.NotificationChannel() <- notification:
			default:
				logger.Warn("notification dropped (channel full)", zap.String("session", sid))
			}
		}
		return nil
	}
}
