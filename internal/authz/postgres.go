package authz

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DefaultAssociationQuery checks the system of record's subscriber/entity
// association table. It receives the subject id and the entity id.
const DefaultAssociationQuery = `SELECT EXISTS (
    SELECT 1 FROM subscriber_entities WHERE subject_id = $1 AND entity_id = $2
)`

// PostgresGate reads associations directly from the system of record's database.
type PostgresGate struct {
	db    *sql.DB
	query string
}

// NewPostgresGate opens dsn with the pgx driver and verifies connectivity.
func NewPostgresGate(ctx context.Context, dsn, query string) (*PostgresGate, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresGateFromDB(db, query), nil
}

// NewPostgresGateFromDB wraps an existing handle. An empty query uses DefaultAssociationQuery.
func NewPostgresGateFromDB(db *sql.DB, query string) *PostgresGate {
	if query == "" {
		query = DefaultAssociationQuery
	}
	return &PostgresGate{db: db, query: query}
}

// Allow implements Gate.
func (g *PostgresGate) Allow(ctx context.Context, req Request) (bool, error) {
	var ok bool
	err := g.db.QueryRowContext(ctx, g.query, string(req.SubjectID), string(req.EntityID)).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Ping reports database reachability.
func (g *PostgresGate) Ping(ctx context.Context) error { return g.db.PingContext(ctx) }

func (g *PostgresGate) Close() error { return g.db.Close() }
