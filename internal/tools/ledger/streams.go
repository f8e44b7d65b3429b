package ledger

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/domain"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (h *handlers) initLedger() toolDef {
	return toolDef{
		tool: mcp.NewTool("init_ledger",
			mcp.WithDescription("Initialize the ledger with its token and admin. Can only be done once; the admin must be the caller."),
			callerParam(),
			mcp.WithString("token", mcp.Required(), mcp.Description("Token all streams are denominated in")),
			mcp.WithString("admin", mcp.Required(), mcp.Description("Admin principal allowed to pause, resume and cancel any stream")),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ctx, caller, err := callerContext(ctx, args)
			if err != nil {
				return nil, err
			}
			token, err := requireString(args, "token")
			if err != nil {
				return nil, err
			}
			admin, err := requireString(args, "admin")
			if err != nil {
				return nil, err
			}
			if err := h.engine.Init(ctx, domain.Principal(token), domain.Principal(admin)); err != nil {
				return nil, err
			}
			h.logger.Info("init_ledger", zap.String("caller", string(caller)), zap.String("token", token))
			return jsonResult(domain.Config{Token: domain.Principal(token), Admin: domain.Principal(admin)})
		},
	}
}

func (h *handlers) getConfig() toolDef {
	return toolDef{
		tool: mcp.NewTool("get_config",
			mcp.WithDescription("Return the ledger token and admin."),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			cfg, err := h.engine.GetConfig(ctx)
			if err != nil {
				return nil, err
			}
			return jsonResult(cfg)
		},
	}
}

func (h *handlers) createStream() toolDef {
	return toolDef{
		tool: mcp.NewTool("create_stream",
			mcp.WithDescription("Lock a deposit from the sender (the caller) that unlocks linearly to the recipient between start_time and end_time, withdrawable from cliff_time. Returns the new stream id."),
			callerParam(),
			mcp.WithString("recipient", mcp.Required(), mcp.Description("Principal receiving the stream")),
			mcp.WithString("deposit_amount", mcp.Required(), mcp.Description("Total amount locked, in smallest token units (decimal string)")),
			mcp.WithString("rate_per_second", mcp.Required(), mcp.Description("Amount unlocked per second (decimal string)")),
			mcp.WithNumber("start_time", mcp.Required(), mcp.Description("Unix seconds when accrual starts; pass a string for values above 2^53")),
			mcp.WithNumber("cliff_time", mcp.Description("Unix seconds before which nothing is withdrawable (default start_time)")),
			mcp.WithNumber("end_time", mcp.Required(), mcp.Description("Unix seconds when accrual stops")),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ctx, caller, err := callerContext(ctx, args)
			if err != nil {
				return nil, err
			}
			in := domain.CreateStreamInput{Sender: caller}
			recipient, err := requireString(args, "recipient")
			if err != nil {
				return nil, err
			}
			in.Recipient = domain.Principal(recipient)
			if in.DepositAmount, err = requireAmount(args, "deposit_amount"); err != nil {
				return nil, err
			}
			if in.RatePerSecond, err = requireAmount(args, "rate_per_second"); err != nil {
				return nil, err
			}
			if in.StartTime, err = requireUint64(args, "start_time"); err != nil {
				return nil, err
			}
			if in.CliffTime, err = optionalUint64(args, "cliff_time", in.StartTime); err != nil {
				return nil, err
			}
			if in.EndTime, err = requireUint64(args, "end_time"); err != nil {
				return nil, err
			}

			id, err := h.engine.CreateStream(ctx, in)
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{"stream_id": id})
		},
	}
}

func (h *handlers) getStreamState() toolDef {
	return toolDef{
		tool: mcp.NewTool("get_stream_state",
			mcp.WithDescription("Return the stored record of a stream."),
			streamIDParam(),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireUint64(req.GetArguments(), "stream_id")
			if err != nil {
				return nil, err
			}
			s, err := h.engine.GetStreamState(ctx, id)
			if err != nil {
				return nil, err
			}
			return jsonResult(s)
		},
	}
}

func (h *handlers) calculateAccrued() toolDef {
	return toolDef{
		tool: mcp.NewTool("calculate_accrued",
			mcp.WithDescription("Return the amount unlocked so far, including what has already been withdrawn."),
			streamIDParam(),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireUint64(req.GetArguments(), "stream_id")
			if err != nil {
				return nil, err
			}
			accrued, err := h.engine.CalculateAccrued(ctx, id)
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{"stream_id": id, "accrued": accrued})
		},
	}
}

func (h *handlers) withdraw() toolDef {
	return toolDef{
		tool: mcp.NewTool("withdraw",
			mcp.WithDescription("Pay the recipient (the caller) everything accrued and not yet withdrawn."),
			callerParam(),
			streamIDParam(),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ctx, _, err := callerContext(ctx, args)
			if err != nil {
				return nil, err
			}
			id, err := requireUint64(args, "stream_id")
			if err != nil {
				return nil, err
			}
			paid, err := h.engine.Withdraw(ctx, id)
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{"stream_id": id, "paid": paid})
		},
	}
}

// lifecycleTool builds the sender-or-admin tools that return the updated record.
func (h *handlers) lifecycleTool(name, description string, op func(context.Context, uint64) error) toolDef {
	return toolDef{
		tool: mcp.NewTool(name,
			mcp.WithDescription(description),
			callerParam(),
			streamIDParam(),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ctx, _, err := callerContext(ctx, args)
			if err != nil {
				return nil, err
			}
			id, err := requireUint64(args, "stream_id")
			if err != nil {
				return nil, err
			}
			if err := op(ctx, id); err != nil {
				return nil, err
			}
			s, err := h.engine.GetStreamState(ctx, id)
			if err != nil {
				return nil, err
			}
			return jsonResult(s)
		},
	}
}

func (h *handlers) pauseStream() toolDef {
	return h.lifecycleTool("pause_stream",
		"Freeze accrual of an active stream. Sender or admin only.",
		h.engine.PauseStream)
}

func (h *handlers) resumeStream() toolDef {
	return h.lifecycleTool("resume_stream",
		"Restart accrual of a paused stream; the paused time is not credited. Sender or admin only.",
		h.engine.ResumeStream)
}

func (h *handlers) cancelStream() toolDef {
	return h.lifecycleTool("cancel_stream",
		"End a stream: pay the recipient what has accrued and refund the rest to the sender. Sender or admin only.",
		h.engine.CancelStream)
}

func (h *handlers) balance() toolDef {
	return toolDef{
		tool: mcp.NewTool("balance",
			mcp.WithDescription("Return a principal's token balance."),
			mcp.WithString("owner", mcp.Required(), mcp.Description("Principal to look up")),
			mcp.WithString("token", mcp.Description("Token (default: the ledger token)")),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			owner, err := requireString(args, "owner")
			if err != nil {
				return nil, err
			}
			token, _ := args["token"].(string)
			if token == "" {
				cfg, err := h.engine.GetConfig(ctx)
				if err != nil {
					return nil, err
				}
				token = string(cfg.Token)
			}
			bal := h.balances.BalanceOf(domain.Principal(token), domain.Principal(owner))
			return jsonResult(map[string]any{"owner": owner, "token": token, "balance": bal})
		},
	}
}
