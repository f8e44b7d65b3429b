package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/domain"
	"github.com/fluxora/streamledger/internal/policy"
	"github.com/fluxora/streamledger/internal/repository"
)

// runStatusCommand implements "fluxora-server status <stream-id>".
func runStatusCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: fluxora-server status <stream-id>")
		return 2
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid stream id %q\n", args[0])
		return 2
	}

	ctx := context.Background()
	pol := policy.New(loadConfig())
	store, err := repository.NewStreamStore(ctx, pol)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := printStatus(ctx, os.Stdout, store, id, app.SystemClock{}.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, domain.ErrNotFound) {
			return 3
		}
		return 1
	}
	return 0
}

// printStatus writes a one-line summary of stream id as of now.
func printStatus(ctx context.Context, w io.Writer, store app.StreamStore, id uint64, now uint64) error {
	var s *domain.Stream
	if err := store.View(ctx, func(tx app.StreamTx) error {
		var err error
		s, err = tx.Get(id)
		return err
	}); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "stream=%d status=%s sender=%s recipient=%s deposit=%s accrued=%s withdrawn=%s refunded=%s\n",
		s.ID, s.Status, s.Sender, s.Recipient, s.DepositAmount, s.AccruedAt(now), s.WithdrawnAmount, s.RefundedAmount)
	return err
}
