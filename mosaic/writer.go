package mosaic

import (
	"fmt"
	"sort"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

// TiledWriter scatters logical windows back into per-tile, per-layer
// files. Files are created lazily on first write, inferring geometry,
// variable list and encoding from the data being written; open handles
// are cached per filepath and reused until Close. A handle belongs to
// the writer that created it; two writers must never target the same
// file concurrently.
type TiledWriter struct {
	mosaic  *RasterMosaic
	create  CreateFunc
	handles map[string]raster.Driver
	infos   map[string]raster.VarInfo
}

// NewTiledWriter wraps a mosaic layout for windowed writing. The mosaic
// may come from MosaicFromTiles when the output files do not exist yet.
func NewTiledWriter(m *RasterMosaic, create CreateFunc) *TiledWriter {
	infos := make(map[string]raster.VarInfo)
	for _, info := range m.VarInfos() {
		infos[info.Name] = info
	}
	return &TiledWriter{
		mosaic:  m,
		create:  create,
		handles: make(map[string]raster.Driver),
		infos:   infos,
	}
}

// Write scatters one logical window. Buffers are laid out (nLayers,
// nRows, nCols) with nLayers either 1 or the mosaic's full stack depth.
// The destination offset inside each file is always the computed window
// overlap, never (0, 0) unless that is the true origin.
func (tw *TiledWriter) Write(vars map[string]*raster.Buffer, row, col, nRows, nCols int, encoder raster.Encoder) error {
	m := tw.mosaic
	dstGeom := m.Geometry().PixelWindow(row, col, row+nRows-1, col+nCols-1)
	labels := m.Labels()

	names := make([]string, 0, len(vars))
	for name, buf := range vars {
		nLayers := buf.Len() / (nRows * nCols)
		if nLayers*nRows*nCols != buf.Len() || (nLayers != 1 && nLayers != len(labels)) {
			return fmt.Errorf("%w: variable %s holds %d values for a (%d, %d) window of a %d layer stack",
				raster.ErrDimensionsMismatch, name, buf.Len(), nRows, nCols, len(labels))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, tileID := range m.TilesIntersecting(dstGeom) {
		tileGeom, _ := m.TileGeometry(tileID)
		acc := Access(tileGeom, dstGeom)
		if acc.Empty() {
			continue
		}
		for li, label := range labels {
			entry, ok := m.registry.Lookup(tileID, label)
			if !ok {
				return fmt.Errorf("%w: tile %s has no file for layer %s",
					raster.ErrConfiguration, tileID, label)
			}
			sub := make(map[string]*raster.Buffer, len(names))
			for _, name := range names {
				buf := vars[name]
				nLayers := buf.Len() / (nRows * nCols)
				srcLayer := li
				if nLayers == 1 {
					srcLayer = 0
				}
				win, err := buf.Window3D(nLayers, nRows, nCols, []int{srcLayer},
					acc.DstRowOff, acc.DstColOff,
					acc.DstRowOff+acc.DstRows-1, acc.DstColOff+acc.DstCols-1)
				if err != nil {
					return err
				}
				sub[name] = win
			}
			drv, err := tw.handle(entry.Filepath, tileGeom, label, sub)
			if err != nil {
				return err
			}
			if err := drv.Write(sub, acc.SrcRowOff, acc.SrcColOff, acc.SrcRows, acc.SrcCols, encoder); err != nil {
				return fmt.Errorf("writing tile %s layer %s: %w", tileID, label, err)
			}
		}
	}
	return nil
}

// handle returns the open driver for a file, creating the file on first
// touch. Creation infers per-variable dtype and encoding from the
// buffers being written, falling back to the mosaic's probed metadata.
func (tw *TiledWriter) handle(path string, tileGeom geometry.RasterGeometry, label string, vars map[string]*raster.Buffer) (raster.Driver, error) {
	if drv, ok := tw.handles[path]; ok {
		return drv, nil
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]raster.VarInfo, 0, len(names))
	for _, name := range names {
		info, ok := tw.infos[name]
		if !ok {
			dtype := vars[name].Type
			info = raster.VarInfo{
				Name:        name,
				DType:       dtype,
				NoData:      raster.DTypeNoData[dtype],
				ScaleFactor: 1,
			}
			tw.infos[name] = info
		}
		infos = append(infos, info)
	}
	drv, err := tw.create(path, tileGeom, []string{label}, infos)
	if err != nil {
		return nil, fmt.Errorf("mosaic: creating %s: %w", path, err)
	}
	tw.handles[path] = drv
	return drv, nil
}

// Export writes the entirety of a stack's in-memory data into the
// mosaic at its spatial position and flushes every open file. It is the
// terminal operation of a write pipeline.
func (tw *TiledWriter) Export(stack *raster.RasterStack, encoder raster.Encoder) error {
	v := stack.Data()
	if v == nil {
		return fmt.Errorf("%w: no data available to write", raster.ErrReadFailure)
	}
	vars, err := stackVars(v)
	if err != nil {
		return err
	}
	x, y := stack.Geom.PixelToWorld(0, 0, geometry.OriginUpperLeft)
	row, col := tw.mosaic.Geometry().WorldToPixel(x, y, geometry.OriginUpperLeft)
	if err := tw.Write(vars, row, col, stack.Geom.NRows, stack.Geom.NCols, encoder); err != nil {
		return err
	}
	return tw.Flush()
}

func stackVars(v *raster.Value) (map[string]*raster.Buffer, error) {
	switch v.Rep {
	case raster.RepArray:
		return map[string]*raster.Buffer{"1": v.Array}, nil
	case raster.RepDataset:
		return v.Dataset.Vars, nil
	default:
		return nil, fmt.Errorf("%w: representation %s cannot be written", raster.ErrDataTypeMismatch, v.Rep)
	}
}

// Flush flushes every open file without closing it.
func (tw *TiledWriter) Flush() error {
	for path, drv := range tw.handles {
		if err := drv.Flush(); err != nil {
			return fmt.Errorf("flushing %s: %w", path, err)
		}
	}
	return nil
}

// Close flushes and releases every open handle. The writer stays usable
// and will reopen files on the next write only through create, so Close
// marks the end of the writer's lifetime in practice.
func (tw *TiledWriter) Close() error {
	var first error
	for path, drv := range tw.handles {
		if err := drv.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s: %w", path, err)
		}
		delete(tw.handles, path)
	}
	return first
}
