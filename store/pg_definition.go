package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/orchestrator/dag"
)

// PGDefinitionStore implements DefinitionStore backed by PostgreSQL.
// Definitions are stored whole as JSONB; they are immutable per version.
type PGDefinitionStore struct {
	pool *pgxpool.Pool
}

func (s *PGDefinitionStore) CreateDefinition(ctx context.Context, def *dag.Definition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}

	// Version assignment races are resolved by the (id, version) primary
	// key; the loser retries with the bumped version.
	for {
		var maxVersion int
		err := s.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM pipeline_definitions WHERE id = $1`,
			def.ID).Scan(&maxVersion)
		if err != nil {
			return fmt.Errorf("next definition version: %w", err)
		}
		def.Version = maxVersion + 1

		doc, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("encode definition: %w", err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO pipeline_definitions (id, version, name, definition)
			VALUES ($1, $2, $3, $4)`,
			def.ID, def.Version, def.Name, doc)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert definition: %w", err)
		}
	}
}

func (s *PGDefinitionStore) GetDefinition(ctx context.Context, id uuid.UUID, version int) (*dag.Definition, error) {
	var (
		doc []byte
		err error
	)
	if version == 0 {
		err = s.pool.QueryRow(ctx, `
			SELECT definition FROM pipeline_definitions
			WHERE id = $1 ORDER BY version DESC LIMIT 1`, id).Scan(&doc)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT definition FROM pipeline_definitions
			WHERE id = $1 AND version = $2`, id, version).Scan(&doc)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}

	var def dag.Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

func (s *PGDefinitionStore) ListDefinitions(ctx context.Context, p Pagination) ([]*dag.Definition, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (id) definition FROM pipeline_definitions
		ORDER BY id, version DESC
		LIMIT $1 OFFSET $2`, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*dag.Definition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def dag.Definition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}
