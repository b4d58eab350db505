// Package mosaic assembles many per-tile, per-layer files into one
// logical stacked raster. A FileRegistry names the files, RasterMosaic
// carries the tile layout, and TiledReader/TiledWriter move windows of
// data across tile boundaries through format drivers.
package mosaic

import (
	"fmt"
	"sort"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

// OpenFunc opens an existing file with a format driver.
type OpenFunc func(path string) (raster.Driver, error)

// CreateFunc creates a new file for writing.
type CreateFunc func(path string, geom geometry.RasterGeometry, labels []string, infos []raster.VarInfo) (raster.Driver, error)

// RasterMosaic is a collection of spatially distinct tiles, each backed
// by one file per stack layer, sharing one pixel grid. The mosaic
// geometry is the union of the tile geometries.
type RasterMosaic struct {
	registry *FileRegistry
	geom     geometry.RasterGeometry
	tiles    map[string]geometry.RasterGeometry
	order    []string
	labels   []string
	infos    []raster.VarInfo
	open     OpenFunc
}

// NewRasterMosaic builds a mosaic from a registry, probing one file per
// tile for its geometry. Every tile must supply every layer exactly
// once, and all tiles must sit on one grid.
func NewRasterMosaic(reg *FileRegistry, open OpenFunc) (*RasterMosaic, error) {
	tileIDs := reg.TileIDs()
	labels := reg.LayerIDs()
	if err := validateComplete(reg, tileIDs, labels); err != nil {
		return nil, err
	}

	tiles := make(map[string]geometry.RasterGeometry, len(tileIDs))
	var infos []raster.VarInfo
	for i, tileID := range tileIDs {
		entry := reg.ForTile(tileID)[0]
		drv, err := open(entry.Filepath)
		if err != nil {
			return nil, fmt.Errorf("mosaic: probing tile %s: %w", tileID, err)
		}
		geom, err := drv.Geometry()
		if err == nil && i == 0 {
			infos, err = drv.Variables()
		}
		drv.Close()
		if err != nil {
			return nil, fmt.Errorf("mosaic: probing tile %s: %w", tileID, err)
		}
		tiles[tileID] = geom
	}
	return MosaicFromTiles(reg, tiles, labels, infos, open)
}

// MosaicFromTiles builds a mosaic from known tile geometries without
// touching the filesystem. Writers use this to describe output layouts
// whose files do not exist yet.
func MosaicFromTiles(reg *FileRegistry, tiles map[string]geometry.RasterGeometry, labels []string, infos []raster.VarInfo, open OpenFunc) (*RasterMosaic, error) {
	tileIDs := make([]string, 0, len(tiles))
	for id := range tiles {
		tileIDs = append(tileIDs, id)
	}
	sort.Strings(tileIDs)
	if reg != nil {
		regIDs := reg.TileIDs()
		if len(regIDs) != len(tileIDs) {
			return nil, fmt.Errorf("%w: registry names %d tiles, mosaic has %d",
				raster.ErrConfiguration, len(regIDs), len(tileIDs))
		}
		for i := range regIDs {
			if regIDs[i] != tileIDs[i] {
				return nil, fmt.Errorf("%w: registry tile %s has no mosaic geometry",
					raster.ErrConfiguration, regIDs[i])
			}
		}
	}

	var union geometry.RasterGeometry
	for i, id := range tileIDs {
		g := tiles[id]
		if i == 0 {
			union = g
			continue
		}
		if !g.SameGrid(union) {
			return nil, fmt.Errorf("%w: tile %s sits on a different grid", raster.ErrDimensionsMismatch, id)
		}
		var err error
		union, err = union.Union(g)
		if err != nil {
			return nil, fmt.Errorf("mosaic: tile %s: %w", id, err)
		}
	}

	m := &RasterMosaic{
		registry: reg,
		geom:     union,
		tiles:    tiles,
		labels:   append([]string(nil), labels...),
		infos:    infos,
		open:     open,
	}
	m.order = m.sortTiles(tileIDs)
	return m, nil
}

func validateComplete(reg *FileRegistry, tileIDs, labels []string) error {
	for _, tileID := range tileIDs {
		for _, label := range labels {
			if _, ok := reg.Lookup(tileID, label); !ok {
				return fmt.Errorf("%w: tile %s has no file for layer %s",
					raster.ErrConfiguration, tileID, label)
			}
		}
		if len(reg.ForTile(tileID)) != len(labels) {
			return fmt.Errorf("%w: tile %s carries layers outside the mosaic's stack",
				raster.ErrConfiguration, tileID)
		}
	}
	return nil
}

// sortTiles orders tiles by their origin in the mosaic pixel frame, row
// major, with the identity as tie breaker. The order is a property of
// the layout, never of filesystem iteration.
func (m *RasterMosaic) sortTiles(tileIDs []string) []string {
	type tilePos struct {
		id       string
		row, col int
	}
	pos := make([]tilePos, len(tileIDs))
	for i, id := range tileIDs {
		g := m.tiles[id]
		x, y := g.PixelToWorld(0, 0, geometry.OriginUpperLeft)
		row, col := m.geom.WorldToPixel(x, y, geometry.OriginUpperLeft)
		pos[i] = tilePos{id, row, col}
	}
	sort.Slice(pos, func(i, j int) bool {
		if pos[i].row != pos[j].row {
			return pos[i].row < pos[j].row
		}
		if pos[i].col != pos[j].col {
			return pos[i].col < pos[j].col
		}
		return pos[i].id < pos[j].id
	})
	out := make([]string, len(pos))
	for i, p := range pos {
		out[i] = p.id
	}
	return out
}

// Geometry returns the union geometry covering all tiles.
func (m *RasterMosaic) Geometry() geometry.RasterGeometry { return m.geom }

// Labels returns the stack layer identities, sorted.
func (m *RasterMosaic) Labels() []string { return append([]string(nil), m.labels...) }

// VarInfos returns per-variable metadata probed from the first tile.
func (m *RasterMosaic) VarInfos() []raster.VarInfo { return append([]raster.VarInfo(nil), m.infos...) }

// Registry returns the file registry backing the mosaic.
func (m *RasterMosaic) Registry() *FileRegistry { return m.registry }

// TileOrder returns all tile identities in deterministic merge order.
func (m *RasterMosaic) TileOrder() []string { return append([]string(nil), m.order...) }

// TileGeometry returns one tile's geometry.
func (m *RasterMosaic) TileGeometry(tileID string) (geometry.RasterGeometry, bool) {
	g, ok := m.tiles[tileID]
	return g, ok
}

// TilesIntersecting returns, in merge order, the tiles overlapping the
// given window geometry.
func (m *RasterMosaic) TilesIntersecting(win geometry.RasterGeometry) []string {
	var out []string
	for _, id := range m.order {
		if !Access(m.tiles[id], win).Empty() {
			out = append(out, id)
		}
	}
	return out
}

// SelectByCoords returns the tile containing the world coordinate. When
// tiles overlap at the point, the first in merge order wins.
func (m *RasterMosaic) SelectByCoords(x, y float64) (string, bool) {
	for _, id := range m.order {
		if m.tiles[id].Contains(x, y) {
			return id, true
		}
	}
	return "", false
}

// Stack opens one tile as a raster stack with one driver per layer. The
// returned closer releases all of them.
func (m *RasterMosaic) Stack(tileID string) (*raster.RasterStack, func() error, error) {
	if m.open == nil {
		return nil, nil, fmt.Errorf("%w: mosaic has no driver opener", raster.ErrConfiguration)
	}
	if _, ok := m.tiles[tileID]; !ok {
		return nil, nil, fmt.Errorf("%w: unknown tile %s", raster.ErrUnknownLayer, tileID)
	}
	drvs := make(map[string]raster.Driver, len(m.labels))
	closeAll := func() error {
		var first error
		for _, drv := range drvs {
			if err := drv.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	for _, label := range m.labels {
		entry, ok := m.registry.Lookup(tileID, label)
		if !ok {
			closeAll()
			return nil, nil, fmt.Errorf("%w: tile %s has no file for layer %s",
				raster.ErrConfiguration, tileID, label)
		}
		drv, err := m.open(entry.Filepath)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mosaic: opening tile %s layer %s: %w", tileID, label, err)
		}
		drvs[label] = drv
	}
	stack, err := raster.StackFromLayerFiles(m.labels, drvs)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return stack, closeAll, nil
}
