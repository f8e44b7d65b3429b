package ledger

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/app"
)

const streamURIPrefix = "fluxora://streams/"

// StreamURI returns the resource URI for a stream.
func StreamURI(id uint64) string {
	return streamURIPrefix + strconv.FormatUint(id, 10)
}

// registerResources adds the ledger guide and the per-stream resource template.
func registerResources(s *server.MCPServer, engine *app.StreamEngine, logger *zap.Logger) {
	s.AddResource(
		mcp.NewResource(
			"fluxora://guides/lifecycle",
			"Stream Lifecycle Guide",
			mcp.WithResourceDescription("States, transitions and accrual rules of payment streams."),
			mcp.WithMIMEType("text/markdown"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "text/markdown",
					Text:     lifecycleGuide,
				},
			}, nil
		},
	)

	// Stream state template: fluxora://streams/{id}
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			streamURIPrefix+"{id}",
			"Stream State",
			mcp.WithTemplateDescription("Stored record of a stream, as JSON."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			raw := strings.TrimPrefix(req.Params.URI, streamURIPrefix)
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, errors.Errorf("invalid stream id %q", raw)
			}
			st, err := engine.GetStreamState(ctx, id)
			if err != nil {
				return nil, err
			}
			b, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return nil, errors.WithStack(err)
			}
			logger.Debug("resource read", zap.String("uri", req.Params.URI))
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "application/json",
					Text:     string(b),
				},
			}, nil
		},
	)
}

const lifecycleGuide = `# Stream Lifecycle

A stream locks a deposit from its sender and unlocks it linearly to its
recipient at rate_per_second between start_time and end_time. Nothing is
withdrawable before cliff_time; at the cliff everything accrued since
start_time becomes available at once.

## States

| from   | action   | to                                  |
|--------|----------|-------------------------------------|
| active | pause    | paused                              |
| active | withdraw | active, or completed once drained   |
| active | cancel   | cancelled                           |
| paused | resume   | active                              |
| paused | withdraw | paused                              |
| paused | cancel   | cancelled                           |

completed and cancelled are terminal.

## Rules

- withdraw: recipient only. Pays accrued minus withdrawn.
- pause, resume, cancel: sender or admin.
- A paused stream accrues nothing; resuming shifts the remaining schedule
  by the paused time.
- cancel pays the recipient what has accrued and refunds the rest to the
  sender.
- Amounts are decimal strings in smallest token units.
`
