package pipeline

import (
	"context"
	"fmt"
	"time"

	"geoimages/internal/config"
	"geoimages/internal/core/area"
	"geoimages/internal/core/execlog"
	"geoimages/internal/core/registry"
	"geoimages/internal/core/run"
	"geoimages/internal/logger"
	"geoimages/internal/platform/stac"
)

// Catalog is the full gateway surface the pipeline needs: listing for the
// registry refresh plus searching for ingestion.
type Catalog interface {
	Collections(ctx context.Context) ([]stac.Collection, error)
	Search(ctx context.Context, req stac.SearchRequest) ([]stac.Item, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, exec run.Context, collectionID string, aoi area.AreaOfInterest) ([]execlog.Record, error)
}

type LogStore interface {
	Append(executionID, collectionID string, recs []execlog.Record) error
	Reconcile(ctx context.Context, executionID, collectionID string) ([]string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string, metaFiles []string) (int, error)
}

// StatusSink records per-execution run status for the runs endpoint.
type StatusSink interface {
	Set(ctx context.Context, rec run.Record) error
}

// Service drives one source end to end: refresh registry, ingest every
// enabled collection over every city-level area, reconcile the activity
// log, dispatch pending download work.
type Service struct {
	source   config.Source
	areas    *area.Index
	registry *registry.Registry
	catalog  Catalog
	ingest   Ingestor
	logs     LogStore
	dispatch Dispatcher
	status   StatusSink
	log      *logger.Logger

	lookbackDays int
	executionID  string
}

func NewService(src config.Source, areas *area.Index, reg *registry.Registry, cat Catalog,
	ing Ingestor, logs LogStore, disp Dispatcher, status StatusSink,
	cfg config.Config) *Service {
	return &Service{
		source:       src,
		areas:        areas,
		registry:     reg,
		catalog:      cat,
		ingest:       ing,
		logs:         logs,
		dispatch:     disp,
		status:       status,
		log:          logger.New("Pipeline"),
		lookbackDays: cfg.LookbackDays,
		executionID:  cfg.ExecutionID,
	}
}

func (s *Service) Run(ctx context.Context) error {
	exec := run.New(time.Now(), s.lookbackDays, s.executionID)
	s.log.LogInfof("run %s for %s, window %s", exec.ExecutionID, s.source.Name, exec.TimeRange())

	rec := run.Record{
		ExecutionID: exec.ExecutionID,
		Status:      run.StatusRunning,
		StartedAt:   exec.ExecutionDt,
	}
	if err := s.status.Set(ctx, rec); err != nil {
		s.log.LogWarnf("run status not recorded: %v", err)
	}

	if s.source.UpdateCatalog {
		if live, err := s.catalog.Collections(ctx); err != nil {
			// Listing is transient-remote; proceed with the persisted set.
			s.log.LogErrorf("collection listing failed, using persisted set: %v", err)
		} else if err := s.registry.Refresh(s.source.Name, live, exec.ExecutionDt); err != nil {
			s.log.LogErrorf("registry refresh failed: %v", err)
		}
	}

	var failures int
	var lastErr error
	fail := func(err error) {
		failures++
		lastErr = err
	}

	cities := s.areas.Cities()
	for _, col := range s.registry.Enabled() {
		var recs []execlog.Record
		for _, aoi := range cities {
			got, err := s.ingest.Ingest(ctx, exec, col.CollectionID, aoi)
			recs = append(recs, got...)
			if err != nil {
				// One failing (collection, area) query never aborts the run;
				// partial results stay logged.
				s.log.LogWarnf("%s over %s: %v", col.CollectionID, aoi.ID, err)
				fail(err)
				continue
			}
		}

		for _, r := range recs {
			rec.ItemsLogged++
			if r.Saved {
				rec.FilesSaved++
			}
		}
		if err := s.logs.Append(exec.ExecutionID, col.CollectionID, recs); err != nil {
			s.log.LogErrorf("append local log for %s: %v", col.CollectionID, err)
			fail(err)
			continue
		}

		files, err := s.logs.Reconcile(ctx, exec.ExecutionID, col.CollectionID)
		if err != nil {
			// Local CSV is retained; the next run re-derives the same state.
			s.log.LogErrorf("reconcile %s: %v", col.CollectionID, err)
			fail(err)
			continue
		}

		published, err := s.dispatch.Dispatch(ctx, exec.ExecutionID, files)
		rec.JobsPublished += published
		if err != nil {
			s.log.LogErrorf("dispatch %s: %v", col.CollectionID, err)
			fail(err)
			continue
		}
	}

	now := time.Now()
	rec.FinishedAt = &now
	if failures > 0 {
		rec.Status = run.StatusFailed
		rec.Error = fmt.Sprintf("%d stage failures, last: %v", failures, lastErr)
	} else {
		rec.Status = run.StatusCompleted
	}
	if err := s.status.Set(ctx, rec); err != nil {
		s.log.LogWarnf("run status not recorded: %v", err)
	}
	s.log.LogInfof("run %s %s: %d items logged, %d files saved, %d jobs published, %d failures",
		exec.ExecutionID, rec.Status, rec.ItemsLogged, rec.FilesSaved, rec.JobsPublished, failures)
	return nil
}
