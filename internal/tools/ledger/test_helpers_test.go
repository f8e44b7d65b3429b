package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/auth"
	"github.com/fluxora/streamledger/internal/domain"
	"github.com/fluxora/streamledger/internal/repository/sqlite"
	"github.com/fluxora/streamledger/internal/token"
)

type fixedPolicy struct{}

func (fixedPolicy) EscrowAccount() domain.Principal { return "escrow" }
func (fixedPolicy) StateFile() string               { return "" }
func (fixedPolicy) SignalFilePath() string          { return "" }

type env struct {
	server *server.MCPServer
	ledger *token.Ledger
	now    uint64
}

// testServer creates a MCPServer backed by a SQLite store in t.TempDir()
// with a controllable clock. alice holds 10000 usdc.
func testServer(t *testing.T, opts ...RegisterOption) *env {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &env{ledger: token.NewLedger()}
	require.NoError(t, e.ledger.Mint("usdc", "alice", decimal.NewFromInt(10_000)))
	engine := app.NewStreamEngine(store, fixedPolicy{}, auth.ContextAuthorizer{}, e.ledger, nil,
		app.WithClock(app.ClockFunc(func() uint64 { return e.now })))

	e.server = server.NewMCPServer("test", "1.0.0", server.WithResourceCapabilities(false, false))
	Register(e.server, engine, nil, append([]RegisterOption{WithBalances(e.ledger)}, opts...)...)
	return e
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	require.NoError(t, err)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	respBytes, err := json.Marshal(s.HandleMessage(context.Background(), reqJSON))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(respBytes, &resp))

	if resp.Error != nil {
		return nil, errors.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// callJSON calls a tool that must succeed and decodes its JSON text into out.
func callJSON(t *testing.T, s *server.MCPServer, name string, args map[string]any, out any) {
	t.Helper()
	res, err := callTool(t, s, name, args)
	require.NoError(t, err, name)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), out), name)
}
