package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/ledger/memstore"
	"qamanager/cmd/internal/ledger/pgstore"

	"github.com/jackc/pgx/v5/pgxpool"
)

// openStore picks the ledger store: Postgres when database.url is set,
// otherwise the in-memory store. The returned close func releases the store
// and, for Postgres, the pool.
func openStore(ctx context.Context, cfg DatabaseConfig, log *slog.Logger) (ledger.Store, func(), error) {
	if cfg.URL == "" {
		log.Info("db.disabled.inmemory_store")
		st := memstore.New()
		return st, func() { _ = st.Close() }, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: connect: %w", err)
	}

	if cfg.Migrate {
		start := time.Now()
		if err := pgstore.Migrate(ctx, pool, cfg.Schema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.migrate.ok", "schema", cfg.Schema, "duration_ms", time.Since(start).Milliseconds())
	}

	st, err := pgstore.New(pool, pgstore.WithSchema(cfg.Schema), pgstore.WithLogger(log))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", st.Schema())
	// The store does not own the pool; close watchers first, then the pool.
	return st, func() {
		_ = st.Close()
		pool.Close()
	}, nil
}

// NewDBPool builds a pgxpool from cfg and validates connectivity.
func NewDBPool(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
