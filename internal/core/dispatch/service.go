package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"geoimages/internal/logger"
	"geoimages/internal/platform/stac"
)

// Job is the queue message consumed by the out-of-process download worker,
// one per image-typed asset of a metadata file.
type Job struct {
	ExecutionID string `json:"execution_id"`
	MetaFile    string `json:"meta_file"`
	AssetName   string `json:"asset_name"`
	AssetTitle  string `json:"asset_title"`
	AssetType   string `json:"asset_type"`
	HrefLink    string `json:"href_link"`
}

type Publisher interface {
	PublishJSON(ctx context.Context, v interface{}) error
}

// Marker records dispatch completion per metadata file in the durable log.
type Marker interface {
	MarkDispatched(ctx context.Context, executionID, metaFile string) error
}

type Service struct {
	pub    Publisher
	marker Marker
	log    *logger.Logger
}

func NewService(pub Publisher, marker Marker) *Service {
	return &Service{pub: pub, marker: marker, log: logger.New("Dispatch")}
}

// Dispatch publishes one job per image asset of each reconciled metadata
// file, in sorted file-path order then asset order within a file. A file is
// marked dispatched only after all of its jobs are published; a publish
// failure aborts, leaving the remainder pending for the next run.
func (s *Service) Dispatch(ctx context.Context, executionID string, metaFiles []string) (int, error) {
	published := 0
	for _, path := range metaFiles {
		jobs, err := JobsFromFile(executionID, path)
		if err != nil {
			// A single unreadable file must not block the rest.
			s.log.LogWarnf("skip %s: %v", path, err)
			continue
		}
		for _, job := range jobs {
			if err := s.pub.PublishJSON(ctx, job); err != nil {
				return published, fmt.Errorf("publish %s asset %s: %w", path, job.AssetName, err)
			}
			published++
		}
		if err := s.marker.MarkDispatched(ctx, executionID, path); err != nil {
			// The jobs are on the queue; the file stays pending and may be
			// re-published next run. The download worker is idempotent per
			// asset reference.
			s.log.LogErrorf("mark dispatched %s: %v", path, err)
		}
	}
	return published, nil
}

// JobsFromFile extracts one Job per image-typed asset declared in a
// metadata file. Files are written key-sorted, so sorted asset-name order
// is declaration order.
func JobsFromFile(executionID, path string) ([]Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta struct {
		Assets map[string]stac.Asset `json:"assets"`
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	names := make([]string, 0, len(meta.Assets))
	for name := range meta.Assets {
		names = append(names, name)
	}
	sort.Strings(names)

	var jobs []Job
	for _, name := range names {
		asset := meta.Assets[name]
		if !strings.Contains(asset.Type, "image/") {
			continue
		}
		jobs = append(jobs, Job{
			ExecutionID: executionID,
			MetaFile:    path,
			AssetName:   name,
			AssetTitle:  asset.Title,
			AssetType:   asset.Type,
			HrefLink:    asset.Href,
		})
	}
	return jobs, nil
}
