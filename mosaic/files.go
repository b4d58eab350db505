package mosaic

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/maybedave/veranda/raster"
)

// StackFromFilepaths builds a single-tile stack straight from files,
// deriving layer labels from the filename pattern. All files must
// belong to one tile.
func StackFromFilepaths(paths []string, pattern string, open OpenFunc) (*raster.RasterStack, func() error, error) {
	reg, err := RegistryFromFilepaths(paths, pattern)
	if err != nil {
		return nil, nil, err
	}
	tileIDs := reg.TileIDs()
	if len(tileIDs) != 1 {
		return nil, nil, fmt.Errorf("%w: files name %d tiles, a stack covers one",
			raster.ErrConfiguration, len(tileIDs))
	}
	m, err := NewRasterMosaic(reg, open)
	if err != nil {
		return nil, nil, err
	}
	return m.Stack(tileIDs[0])
}

// MosaicFromFilepaths builds a mosaic straight from files, deriving tile
// and layer identities from the filename pattern.
func MosaicFromFilepaths(paths []string, pattern string, open OpenFunc) (*RasterMosaic, error) {
	reg, err := RegistryFromFilepaths(paths, pattern)
	if err != nil {
		return nil, err
	}
	return NewRasterMosaic(reg, open)
}

// RegistryFromLayout generates registry rows for files that may not
// exist yet: one per (tile, layer) pair, with filenames derived from the
// pattern's {tile_id} and {layer_id} placeholders under dir. Writers use
// this to describe their output layout.
func RegistryFromLayout(dir, pattern string, tileIDs, layerIDs []string) (*FileRegistry, error) {
	if !strings.Contains(pattern, "{tile_id}") || !strings.Contains(pattern, "{layer_id}") {
		return nil, fmt.Errorf("%w: filename pattern %q needs both {tile_id} and {layer_id}",
			raster.ErrConfiguration, pattern)
	}
	entries := make([]Entry, 0, len(tileIDs)*len(layerIDs))
	for _, tileID := range tileIDs {
		for _, layerID := range layerIDs {
			name := strings.NewReplacer("{tile_id}", tileID, "{layer_id}", layerID).Replace(pattern)
			entries = append(entries, Entry{
				Filepath: filepath.Join(dir, name),
				TileID:   tileID,
				LayerID:  layerID,
			})
		}
	}
	return NewFileRegistry(entries)
}
