// Package ledger exposes the stream engine as MCP tools. Every tool takes a
// caller argument naming the principal on whose behalf it acts.
package ledger

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/auth"
	"github.com/fluxora/streamledger/internal/domain"
)

// BalanceReader reports token balances for the balance tool.
type BalanceReader interface {
	BalanceOf(token, owner domain.Principal) decimal.Decimal
}

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	balances BalanceReader
	enabled  func(name string) bool
}

// WithBalances enables the balance tool.
func WithBalances(b BalanceReader) RegisterOption {
	return func(o *registerOpts) { o.balances = b }
}

// WithToolFilter registers only the tools for which enabled returns true.
func WithToolFilter(enabled func(name string) bool) RegisterOption {
	return func(o *registerOpts) { o.enabled = enabled }
}

type toolDef struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

// Register registers the ledger tools and the stream resource template with
// the mcp-go server.
func Register(s *server.MCPServer, engine *app.StreamEngine, logger *zap.Logger, opts ...RegisterOption) {
	o := registerOpts{enabled: func(string) bool { return true }}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{engine: engine, logger: logger, balances: o.balances}

	defs := []toolDef{
		h.initLedger(),
		h.getConfig(),
		h.createStream(),
		h.getStreamState(),
		h.calculateAccrued(),
		h.withdraw(),
		h.pauseStream(),
		h.resumeStream(),
		h.cancelStream(),
	}
	if o.balances != nil {
		defs = append(defs, h.balance())
	}
	for _, d := range defs {
		if !o.enabled(d.tool.Name) {
			continue
		}
		s.AddTool(d.tool, d.handler)
	}

	registerResources(s, engine, logger)
}

type handlers struct {
	engine   *app.StreamEngine
	logger   *zap.Logger
	balances BalanceReader
}

// callerContext places the caller argument in ctx for the authorizer.
func callerContext(ctx context.Context, args map[string]any) (context.Context, domain.Principal, error) {
	caller, err := requireString(args, "caller")
	if err != nil {
		return ctx, "", err
	}
	p := domain.Principal(caller)
	return auth.WithCaller(ctx, p), p, nil
}

func callerParam() mcp.ToolOption {
	return mcp.WithString("caller", mcp.Required(), mcp.Description("Principal performing the call; checked against the stream's sender, recipient or the admin"))
}

func streamIDParam() mcp.ToolOption {
	return mcp.WithNumber("stream_id", mcp.Required(), mcp.Description("Stream id"))
}
