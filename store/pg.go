package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
	MinConns int32  `yaml:"min_conns" json:"min_conns"`
}

// PGStore wraps a pgxpool.Pool and provides access to all domain stores.
type PGStore struct {
	pool *pgxpool.Pool

	definitions   *PGDefinitionStore
	executions    *PGExecutionStore
	progress      *PGProgressStore
	subscriptions *PGSubscriptionStore
	triggers      *PGTriggerStore
}

// NewPGStore connects to PostgreSQL and returns a PGStore with all
// sub-stores.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	return &PGStore{
		pool:          pool,
		definitions:   &PGDefinitionStore{pool: pool},
		executions:    &PGExecutionStore{pool: pool},
		progress:      &PGProgressStore{pool: pool},
		subscriptions: &PGSubscriptionStore{pool: pool},
		triggers:      &PGTriggerStore{pool: pool},
	}, nil
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// Definitions returns the DefinitionStore.
func (s *PGStore) Definitions() DefinitionStore { return s.definitions }

// Executions returns the ExecutionStore.
func (s *PGStore) Executions() ExecutionStore { return s.executions }

// Progress returns the ProgressStore.
func (s *PGStore) Progress() ProgressStore { return s.progress }

// Subscriptions returns the SubscriptionStore.
func (s *PGStore) Subscriptions() SubscriptionStore { return s.subscriptions }

// Triggers returns the TriggerStore.
func (s *PGStore) Triggers() TriggerStore { return s.triggers }
