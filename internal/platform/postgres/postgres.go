package postgres

import (
	"context"
	"fmt"

	"geoimages/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Service struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func New(ctx context.Context, dsn string) (*Service, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Service{pool: pool, log: logger.New("Postgres")}, nil
}

func (s *Service) Close()              { s.pool.Close() }
func (s *Service) Pool() *pgxpool.Pool { return s.pool }

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		s.log.LogErrorf("Postgres health check failed: %v", err)
		return fmt.Errorf("postgres ping failed: %v", err)
	}
	return nil
}

// EnsureSchema creates the durable search-activity log table on startup.
// dispatched_at stays NULL until every image asset of the file has been
// published to the download queue.
func (s *Service) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS metafiles_log (
			log_unique_id         text PRIMARY KEY,
			execution_id          text NOT NULL,
			execution_dt          text NOT NULL,
			collection_id         text NOT NULL,
			interest_bbox_id      text NOT NULL,
			interest_bbox_name    text NOT NULL,
			search_range_start_dt text NOT NULL,
			search_range_end_dt   text NOT NULL,
			meta_file_id          text NOT NULL,
			meta_file_dt          text NOT NULL,
			meta_file_name        text NOT NULL,
			dispatched_at         timestamptz
		)`)
	if err != nil {
		return fmt.Errorf("create metafiles_log: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS metafiles_log_exec_coll_idx
		ON metafiles_log (execution_id, collection_id)`)
	if err != nil {
		return fmt.Errorf("create metafiles_log index: %w", err)
	}
	return nil
}
