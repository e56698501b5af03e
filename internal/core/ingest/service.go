package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"geoimages/internal/core/area"
	"geoimages/internal/core/execlog"
	"geoimages/internal/core/run"
	"geoimages/internal/logger"
	"geoimages/internal/platform/stac"
)

// Catalog is the searchable image catalog the engine queries.
type Catalog interface {
	Search(ctx context.Context, req stac.SearchRequest) ([]stac.Item, error)
}

const searchPageLimit = 250

type Service struct {
	catalog Catalog
	dataDir string
	log     *logger.Logger
}

func NewService(catalog Catalog, dataDir string) *Service {
	return &Service{catalog: catalog, dataDir: dataDir, log: logger.New("Ingest")}
}

// Ingest queries one (collection, area) pair for the run's time window and
// persists each discovered item's metadata. A file already saved under the
// same collection/day, by any earlier area query, is never rewritten; its
// actual path is recorded instead. One log record is emitted per discovered
// item either way. Records produced before an error remain valid.
func (s *Service) Ingest(ctx context.Context, exec run.Context, collectionID string, aoi area.AreaOfInterest) ([]execlog.Record, error) {
	timeRange := exec.TimeRange()
	items, err := s.catalog.Search(ctx, stac.SearchRequest{
		Collections: []string{collectionID},
		BBox:        aoi.BBox,
		Datetime:    timeRange,
		Limit:       searchPageLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s over %s: %w", collectionID, aoi.ID, err)
	}

	var recs []execlog.Record
	for _, item := range items {
		rec, err := s.saveItem(exec, collectionID, aoi, timeRange, item)
		if err != nil {
			// Fatal for this record only, not the run.
			s.log.LogWarnf("item %s (%s/%s): %v", item.ID, collectionID, aoi.ID, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Service) saveItem(exec run.Context, collectionID string, aoi area.AreaOfInterest, timeRange string, item stac.Item) (execlog.Record, error) {
	if item.ID == "" {
		return execlog.Record{}, errors.New("item without id")
	}
	itemDt, err := time.Parse(time.RFC3339, item.Datetime)
	if err != nil {
		return execlog.Record{}, fmt.Errorf("item datetime %q: %w", item.Datetime, err)
	}

	dayDir := filepath.Join(s.dataDir, collectionID, itemDt.Format("20060102"))
	fileName := item.ID + ".json"

	now := time.Now()
	metaFileID := run.Fingerprint(exec.ExecutionDt.Format(time.RFC3339), item.ID)
	logUniqueID := run.Fingerprint(collectionID, aoi.ID, timeRange, item.ID)

	// The whole collection/day tree is authoritative for existence, not the
	// path this query would compute: another area may have fetched the item
	// first.
	path, err := findExisting(dayDir, fileName)
	if err != nil {
		return execlog.Record{}, err
	}
	saved := false
	if path == "" {
		path = filepath.Join(dayDir, aoi.ID, fileName)
		if err := s.writeMeta(path, item, exec, aoi, collectionID, timeRange, metaFileID, logUniqueID, now); err != nil {
			return execlog.Record{}, err
		}
		saved = true
	} else {
		s.log.LogDebugf("item %s already ingested at %s", item.ID, path)
	}

	return execlog.Record{
		LogUniqueID:      logUniqueID,
		ExecutionID:      exec.ExecutionID,
		ExecutionDt:      exec.ExecutionDt.Format(time.RFC3339),
		CollectionID:     collectionID,
		AreaID:           aoi.ID,
		AreaName:         aoi.Name,
		SearchRangeStart: exec.RangeStart.Format(time.RFC3339),
		SearchRangeEnd:   exec.RangeEnd.Format(time.RFC3339),
		MetaFileID:       metaFileID,
		MetaFileDt:       now.Format(time.RFC3339),
		MetaFileName:     path,
		Saved:            saved,
	}, nil
}

// writeMeta persists the raw catalog item enriched with the injected fields,
// as indented, key-sorted JSON.
func (s *Service) writeMeta(path string, item stac.Item, exec run.Context, aoi area.AreaOfInterest, collectionID, timeRange, metaFileID, logUniqueID string, now time.Time) error {
	meta := make(map[string]interface{}, len(item.Raw)+6)
	for k, v := range item.Raw {
		meta[k] = v
	}
	meta["_id"] = metaFileID
	meta["_dt_update"] = now.Format(time.RFC3339)
	meta["_ts_update"] = now.UTC().Unix()
	meta["_query"] = map[string]interface{}{
		"collection": collectionID,
		"area_id":    aoi.ID,
		"area_name":  aoi.Name,
		"time_range": timeRange,
	}
	meta["_log_unique_id"] = logUniqueID
	meta["_filename"] = path

	b, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}

// findExisting scans the collection/day directory tree for fileName and
// returns its path, or "" when the item has not been saved under that day.
func findExisting(dayDir, fileName string) (string, error) {
	var found string
	err := filepath.WalkDir(dayDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == fileName {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("scan %s: %w", dayDir, err)
	}
	return found, nil
}
