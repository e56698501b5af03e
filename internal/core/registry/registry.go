package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"geoimages/internal/logger"
	"geoimages/internal/platform/stac"
)

// Collection is one persisted catalog collection. Enabled is operator
// controlled and survives re-listing; a collection missing from a fresh
// listing keeps its last known record.
type Collection struct {
	Enabled      bool   `json:"Enabled"`
	DtUpdate     string `json:"_dt_update"`
	TsUpdate     int64  `json:"_ts_update"`
	Source       string `json:"Source"`
	CollectionID string `json:"CollectionId"`
	Title        string `json:"Title"`
	Type         string `json:"Type"`
	StacVersion  string `json:"StacVersion"`
}

type Registry struct {
	path string
	log  *logger.Logger
}

func New(metaDir, sysName string) *Registry {
	return &Registry{
		path: filepath.Join(metaDir, sysName+"_Collections.meta.json"),
		log:  logger.New("Registry"),
	}
}

// Refresh merges a freshly listed collection set into the persisted one,
// keyed by CollectionId. Operator-set Enabled flags are preserved; new
// entries default to enabled; entries absent from the listing are kept.
func (r *Registry) Refresh(source string, live []stac.Collection, now time.Time) error {
	existing := r.load()
	byID := make(map[string]Collection, len(existing))
	for _, c := range existing {
		byID[c.CollectionID] = c
	}

	for _, lc := range live {
		enabled := true
		if prev, ok := byID[lc.ID]; ok {
			enabled = prev.Enabled
		}
		byID[lc.ID] = Collection{
			Enabled:      enabled,
			DtUpdate:     now.Format(time.RFC3339),
			TsUpdate:     now.UTC().Unix(),
			Source:       source,
			CollectionID: lc.ID,
			Title:        lc.Title,
			Type:         lc.Type,
			StacVersion:  lc.StacVersion,
		}
	}

	merged := make([]Collection, 0, len(byID))
	for _, c := range byID {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].CollectionID < merged[j].CollectionID })

	b, err := json.MarshalIndent(merged, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal collections: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	if err := os.WriteFile(r.path, b, 0o644); err != nil {
		return fmt.Errorf("write collections meta: %w", err)
	}
	r.log.LogInfof("collections meta refreshed: %d entries (%d live)", len(merged), len(live))
	return nil
}

// Enabled returns the enabled collections sorted by id so that iteration
// order, and with it dispatch/log correlation, is reproducible across runs.
func (r *Registry) Enabled() []Collection {
	all := r.load()
	enabled := make([]Collection, 0, len(all))
	for _, c := range all {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].CollectionID < enabled[j].CollectionID })
	return enabled
}

// load treats an unreadable or malformed store as empty: first-run
// bootstrap is not an error.
func (r *Registry) load() []Collection {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var all []Collection
	if err := json.Unmarshal(b, &all); err != nil {
		r.log.LogWarnf("collections meta unreadable, starting empty: %v", err)
		return nil
	}
	return all
}
