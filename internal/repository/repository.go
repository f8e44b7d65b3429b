// Package repository selects the StreamStore backend named by the policy.
package repository

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/policy"
	"github.com/fluxora/streamledger/internal/repository/redis"
	"github.com/fluxora/streamledger/internal/repository/sqlite"
)

// NewStreamStore returns the configured StreamStore: SQLite at
// pol.StateFile() (default ~/.config/fluxora/ledger.sqlite) or Redis.
func NewStreamStore(ctx context.Context, pol *policy.Policy) (app.StreamStore, error) {
	switch pol.Backend() {
	case policy.BackendSQLite:
		s, err := sqlite.New(pol.StateFile())
		if err != nil {
			return nil, err
		}
		return s, nil
	case policy.BackendRedis:
		rc := pol.Redis()
		s, err := redis.New(ctx, redis.Options{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			Prefix:       rc.Prefix,
			TTLThreshold: pol.TTLThreshold(),
			TTLExtendTo:  pol.TTLExtendTo(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown store backend %q", pol.Backend())
	}
}
