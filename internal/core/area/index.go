package area

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"geoimages/internal/logger"
)

// AreaOfInterest is one enabled region with its bounding box in
// [minLon, minLat, maxLon, maxLat] order.
type AreaOfInterest struct {
	ID   string
	Name string
	BBox [4]float64
}

// Index holds the state-level and city-level areas for one run. The
// pipeline iterates cities; states are loaded for future filtering.
type Index struct {
	states []AreaOfInterest
	cities []AreaOfInterest
}

type regionEntry struct {
	ID      string `json:"Id"`
	Enabled bool   `json:"Enabled"`
}

// Load reads the region configs and boundary geometry from configDir:
// states.json and cities.json map display names to {Id, Enabled}, and
// boundaries.geo.json is a GeoJSON FeatureCollection keyed by feature id.
func Load(configDir string) (*Index, error) {
	log := logger.New("AreaIndex")

	boxes, err := loadBoundaries(filepath.Join(configDir, "boundaries.geo.json"))
	if err != nil {
		return nil, err
	}

	states, err := loadLevel(filepath.Join(configDir, "states.json"), boxes, log)
	if err != nil {
		return nil, err
	}
	cities, err := loadLevel(filepath.Join(configDir, "cities.json"), boxes, log)
	if err != nil {
		return nil, err
	}
	return &Index{states: states, cities: cities}, nil
}

func (ix *Index) States() []AreaOfInterest { return ix.states }
func (ix *Index) Cities() []AreaOfInterest { return ix.cities }

func loadLevel(path string, boxes map[string][4]float64, log *logger.Logger) ([]AreaOfInterest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region config %s: %w", path, err)
	}
	var entries map[string]regionEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse region config %s: %w", path, err)
	}

	var areas []AreaOfInterest
	for name, entry := range entries {
		if !entry.Enabled {
			continue
		}
		box, ok := boxes[entry.ID]
		if !ok {
			log.LogWarnf("no boundary geometry for %s (%s), skipping", name, entry.ID)
			continue
		}
		areas = append(areas, AreaOfInterest{ID: entry.ID, Name: name, BBox: box})
	}
	sort.Slice(areas, func(i, j int) bool { return areas[i].ID < areas[j].ID })
	return areas, nil
}

type feature struct {
	ID       string                 `json:"id"`
	Geometry map[string]interface{} `json:"geometry"`
}

func loadBoundaries(path string) (map[string][4]float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundaries %s: %w", path, err)
	}
	var fc struct {
		Features []feature `json:"features"`
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse boundaries %s: %w", path, err)
	}

	boxes := make(map[string][4]float64, len(fc.Features))
	for _, f := range fc.Features {
		var bb bounds
		extendGeometry(f.Geometry, &bb)
		if !bb.valid {
			continue
		}
		boxes[f.ID] = [4]float64{bb.minLon, bb.minLat, bb.maxLon, bb.maxLat}
	}
	return boxes, nil
}

type bounds struct {
	minLon, minLat, maxLon, maxLat float64
	valid                          bool
}

func (b *bounds) add(lon, lat float64) {
	if !b.valid {
		b.minLon, b.maxLon = lon, lon
		b.minLat, b.maxLat = lat, lat
		b.valid = true
		return
	}
	if lon < b.minLon {
		b.minLon = lon
	}
	if lon > b.maxLon {
		b.maxLon = lon
	}
	if lat < b.minLat {
		b.minLat = lat
	}
	if lat > b.maxLat {
		b.maxLat = lat
	}
}

func extendGeometry(geom map[string]interface{}, b *bounds) {
	if geom == nil {
		return
	}
	if coords, ok := geom["coordinates"]; ok {
		extendCoords(coords, b)
	}
	// GeometryCollection nests geometries instead of coordinates
	if geoms, ok := geom["geometries"].([]interface{}); ok {
		for _, g := range geoms {
			if gm, ok := g.(map[string]interface{}); ok {
				extendGeometry(gm, b)
			}
		}
	}
}

// extendCoords walks arbitrarily nested coordinate arrays. A position is a
// numeric pair [lon, lat]; anything else is a ring or ring set.
func extendCoords(coords interface{}, b *bounds) {
	arr, ok := coords.([]interface{})
	if !ok {
		return
	}
	if len(arr) >= 2 {
		lon, lonOK := arr[0].(float64)
		lat, latOK := arr[1].(float64)
		if lonOK && latOK {
			b.add(lon, lat)
			return
		}
	}
	for _, c := range arr {
		extendCoords(c, b)
	}
}
