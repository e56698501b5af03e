package run

import (
	"context"
	"fmt"
	"time"

	rds "geoimages/internal/platform/redis"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the per-execution status document served by the runs endpoint.
type Record struct {
	ExecutionID   string     `json:"execution_id"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ItemsLogged   int        `json:"items_logged"`
	FilesSaved    int        `json:"files_saved"`
	JobsPublished int        `json:"jobs_published"`
	Error         string     `json:"error,omitempty"`
}

type StatusService struct{ redis *rds.Service }

func NewStatusService(redis *rds.Service) *StatusService { return &StatusService{redis: redis} }

func (s *StatusService) Get(ctx context.Context, executionID string) (*Record, error) {
	var rec Record
	if err := s.redis.CacheGet(ctx, key(executionID), &rec); err != nil {
		return nil, fmt.Errorf("run not found: %s", executionID)
	}
	return &rec, nil
}

func (s *StatusService) Set(ctx context.Context, rec Record) error {
	return s.redis.CacheSet(ctx, key(rec.ExecutionID), rec, ttl(rec.Status))
}

func key(id string) string { return "run:" + id }

func ttl(s Status) int {
	if s == StatusCompleted || s == StatusFailed {
		return 7 * 24 * 3600
	}
	return 24 * 3600
}
