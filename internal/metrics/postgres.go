package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresSink persists usage entries so bridge deployments keep their
// request accounting across restarts.
type PostgresSink struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSink connects a pgx pool and ensures the usage table exists.
func NewPostgresSink(dsn string, logger *zap.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	_, err = pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS usage_entries (
			request_id    TEXT PRIMARY KEY,
			recorded_at   TIMESTAMPTZ NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			cost          DOUBLE PRECISION NOT NULL,
			latency_ms    DOUBLE PRECISION NOT NULL,
			operation     TEXT NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create usage table: %w", err)
	}

	logger.Info("PostgreSQL usage sink connected")
	return &PostgresSink{db: pool, logger: logger}, nil
}

// Save inserts one usage entry.
func (p *PostgresSink) Save(ctx context.Context, e Entry) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO usage_entries
			(request_id, recorded_at, model, input_tokens, output_tokens, cost, latency_ms, operation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RequestID, e.Timestamp, e.Model, e.InputTokens, e.OutputTokens,
		e.Cost, e.LatencyMs, e.Operation,
	)
	if err != nil {
		return fmt.Errorf("save usage entry: %w", err)
	}
	return nil
}

// Recent loads up to limit persisted entries, oldest first.
func (p *PostgresSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.Query(ctx, `
		SELECT request_id, recorded_at, model, input_tokens, output_tokens, cost, latency_ms, operation
		FROM (
			SELECT * FROM usage_entries ORDER BY recorded_at DESC LIMIT $1
		) recent
		ORDER BY recorded_at ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("load usage entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RequestID, &e.Timestamp, &e.Model, &e.InputTokens,
			&e.OutputTokens, &e.Cost, &e.LatencyMs, &e.Operation); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close shuts down the pool.
func (p *PostgresSink) Close() {
	p.db.Close()
}
