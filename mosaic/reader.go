package mosaic

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/nci/gomemcache/memcache"
	"golang.org/x/net/context"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

// ReaderOptions tune a TiledReader. The zero value reads tiles
// sequentially with no cache and fails on overlapping tiles.
type ReaderOptions struct {
	// Concurrency caps parallel tile reads; 0 or 1 reads sequentially.
	Concurrency int
	// Agg resolves pixels where overlapping tiles both contribute data.
	// Leaving it unset makes detected overlap a hard error.
	Agg Aggregator
	// MemcacheURI enables caching of raw file windows, host:port.
	MemcacheURI string
}

// TiledReader reads logical windows spanning tile boundaries. It
// implements the format driver contract, so a whole mosaic can be
// wrapped in a raster stack and consumed like a single stacked file.
// Merging is deterministic: per-tile results are assembled in the
// mosaic's tile order regardless of read completion order.
type TiledReader struct {
	Context context.Context

	mosaic  *RasterMosaic
	conc    int
	agg     Aggregator
	mc      *memcache.Client
	infoIdx map[string]raster.VarInfo
}

// NewTiledReader wraps a mosaic for windowed reading.
func NewTiledReader(ctx context.Context, m *RasterMosaic, opts *ReaderOptions) *TiledReader {
	if opts == nil {
		opts = &ReaderOptions{}
	}
	tr := &TiledReader{
		Context: ctx,
		mosaic:  m,
		conc:    opts.Concurrency,
		agg:     opts.Agg,
		infoIdx: make(map[string]raster.VarInfo),
	}
	if tr.conc < 1 {
		tr.conc = 1
	}
	if opts.MemcacheURI != "" {
		// lazy connection; errors surface per lookup and fall back to disk
		tr.mc = memcache.New(opts.MemcacheURI)
	}
	for _, info := range m.VarInfos() {
		tr.infoIdx[info.Name] = info
	}
	return tr
}

func (tr *TiledReader) Filepath() string { return "mosaic://" + tr.mosaic.geomID() }

func (m *RasterMosaic) geomID() string {
	x0, _, _, y1 := m.geom.OuterExtent()
	return fmt.Sprintf("%dx%d@%g,%g", m.geom.NRows, m.geom.NCols, x0, y1)
}

func (tr *TiledReader) Geometry() (geometry.RasterGeometry, error) { return tr.mosaic.Geometry(), nil }

func (tr *TiledReader) Layers() ([]string, error) { return tr.mosaic.Labels(), nil }

func (tr *TiledReader) Variables() ([]raster.VarInfo, error) { return tr.mosaic.VarInfos(), nil }

func (tr *TiledReader) Write(map[string]*raster.Buffer, int, int, int, int, raster.Encoder) error {
	return fmt.Errorf("%w: tiled reader is read-only", raster.ErrConfiguration)
}

func (tr *TiledReader) Flush() error { return nil }
func (tr *TiledReader) Close() error { return nil }

type tileResult struct {
	access RasterAccess
	vars   map[string]*raster.Buffer
}

// Read assembles the requested mosaic window from every intersecting
// tile. Tiles covering the same output pixel with valid data require an
// aggregation policy; without one the read fails on the first overlap.
func (tr *TiledReader) Read(row, col, nRows, nCols int, variables []string, decoder raster.Decoder) (map[string]*raster.Buffer, error) {
	m := tr.mosaic
	dstGeom := m.Geometry().PixelWindow(row, col, row+nRows-1, col+nCols-1)
	if variables == nil {
		for _, info := range m.VarInfos() {
			variables = append(variables, info.Name)
		}
	}

	ids := m.TilesIntersecting(dstGeom)
	results := make([]*tileResult, len(ids))
	errCh := make(chan error, len(ids))
	cl := NewConcLimiter(tr.conc)
	for i, id := range ids {
		cl.Increase()
		go func(i int, id string) {
			defer cl.Decrease()
			res, err := tr.readTile(id, dstGeom, variables, decoder)
			if err != nil {
				select {
				case errCh <- fmt.Errorf("tile %s: %w", id, err):
				default:
				}
				return
			}
			results[i] = res
		}(i, id)
	}
	cl.Wait()
	select {
	case err := <-errCh:
		return nil, err
	default:
	}

	return tr.merge(results, variables, nRows, nCols, decoder)
}

// ReadPixel reads a single mosaic pixel across all layers. A row/col
// pair without an explicit size is a 1x1 window by definition, a
// documented default rather than an omission.
func (tr *TiledReader) ReadPixel(row, col int, variables []string, decoder raster.Decoder) (map[string]*raster.Buffer, error) {
	return tr.Read(row, col, 1, 1, variables, decoder)
}

func (tr *TiledReader) ctxErr() error {
	if tr.Context == nil {
		return nil
	}
	select {
	case <-tr.Context.Done():
		return tr.Context.Err()
	default:
		return nil
	}
}

// readTile reads one tile's share of the window, all stack layers, all
// requested variables, decoded.
func (tr *TiledReader) readTile(tileID string, dstGeom geometry.RasterGeometry, variables []string, decoder raster.Decoder) (*tileResult, error) {
	if err := tr.ctxErr(); err != nil {
		return nil, err
	}
	m := tr.mosaic
	tileGeom, _ := m.TileGeometry(tileID)
	acc := Access(tileGeom, dstGeom)
	if acc.Empty() {
		return nil, nil
	}

	labels := m.Labels()
	layerPx := acc.SrcRows * acc.SrcCols
	out := make(map[string]*raster.Buffer, len(variables))
	for li, label := range labels {
		entry, ok := m.registry.Lookup(tileID, label)
		if !ok {
			return nil, fmt.Errorf("%w: no file for layer %s", raster.ErrConfiguration, label)
		}
		raw, err := tr.readFileWindow(entry.Filepath, variables, acc.SrcRowOff, acc.SrcColOff, acc.SrcRows, acc.SrcCols)
		if err != nil {
			return nil, err
		}
		for name, buf := range raw {
			canvas, ok := out[name]
			if !ok {
				canvas, err = raster.NewBuffer(buf.Type, len(labels)*layerPx)
				if err != nil {
					return nil, err
				}
				out[name] = canvas
			}
			if buf.Len() != layerPx {
				return nil, fmt.Errorf("%w: %s returned %d values for a (%d, %d) window",
					raster.ErrReadFailure, entry.Filepath, buf.Len(), acc.SrcRows, acc.SrcCols)
			}
			copy(canvas.Data[li*layerPx*raster.DTypeSizes[canvas.Type]:], buf.Data)
		}
	}
	if decoder != nil {
		for name, buf := range out {
			info := tr.infoIdx[name]
			dec, err := decoder(buf, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return nil, err
			}
			out[name] = dec
		}
	}
	return &tileResult{access: acc, vars: out}, nil
}

// readFileWindow reads raw (undecoded) windows of one file, consulting
// memcache first when configured.
func (tr *TiledReader) readFileWindow(path string, variables []string, row, col, nRows, nCols int) (map[string]*raster.Buffer, error) {
	out := make(map[string]*raster.Buffer, len(variables))
	missing := variables
	if tr.mc != nil {
		missing = nil
		for _, name := range variables {
			key := windowKey(path, name, row, col, nRows, nCols)
			if cached, err := tr.mc.Get(key); err == nil {
				info := tr.infoIdx[name]
				out[name] = &raster.Buffer{Type: info.DType, Data: cached.Value}
				continue
			}
			missing = append(missing, name)
		}
		if len(missing) == 0 {
			return out, nil
		}
	}

	drv, err := tr.mosaic.open(path)
	if err != nil {
		return nil, err
	}
	defer drv.Close()
	read, err := drv.Read(row, col, nRows, nCols, missing, nil)
	if err != nil {
		return nil, err
	}
	for name, buf := range read {
		out[name] = buf
		if tr.mc != nil {
			// best effort; memcache may drop it anyway
			tr.mc.Set(&memcache.Item{Key: windowKey(path, name, row, col, nRows, nCols), Value: buf.Data})
		}
	}
	return out, nil
}

func windowKey(path, variable string, row, col, nRows, nCols int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d|%d|%d", path, variable, row, col, nRows, nCols)))
	return hex.EncodeToString(sum[:])
}

// merge pastes per-tile results into one canvas per variable, in tile
// order. Coverage is tracked per pixel to detect overlap; nodata pixels
// of an incoming tile never overwrite data already merged.
func (tr *TiledReader) merge(results []*tileResult, variables []string, nRows, nCols int, decoder raster.Decoder) (map[string]*raster.Buffer, error) {
	labels := tr.mosaic.Labels()
	nLayers := len(labels)
	out := make(map[string]*raster.Buffer, len(variables))
	coverage := make(map[string][]uint8, len(variables))

	for _, res := range results {
		if res == nil {
			continue
		}
		acc := res.access
		for name, buf := range res.vars {
			canvas, ok := out[name]
			if !ok {
				info := tr.infoIdx[name]
				noData := info.NoData
				if buf.Type != info.DType {
					// the decoder changed the storage type; decoded
					// buffers mark missing pixels with NaN
					noData = math.NaN()
				}
				var err error
				canvas, err = raster.NewNoDataBuffer(buf.Type, nLayers*nRows*nCols, noData)
				if err != nil {
					return nil, err
				}
				out[name] = canvas
				coverage[name] = make([]uint8, nLayers*nRows*nCols)
			}
			if err := tr.mergeVar(canvas, coverage[name], buf, acc, nLayers, nRows, nCols, name); err != nil {
				return nil, err
			}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tile contributed data", raster.ErrReadFailure)
	}
	return out, nil
}

func (tr *TiledReader) mergeVar(canvas *raster.Buffer, coverage []uint8, buf *raster.Buffer, acc RasterAccess, nLayers, nRows, nCols int, name string) error {
	info := tr.infoIdx[name]
	noData := info.NoData
	if buf.Type != info.DType {
		// decoded buffers mark missing pixels with NaN; the raw fill
		// value may be a legitimate physical value after decoding
		noData = math.NaN()
	}
	layerPx := acc.SrcRows * acc.SrcCols
	for li := 0; li < nLayers; li++ {
		for r := 0; r < acc.DstRows; r++ {
			for c := 0; c < acc.DstCols; c++ {
				v := buf.ValueAt(li*layerPx + r*acc.SrcCols + c)
				if isNoData(v, noData) {
					continue
				}
				flat := (acc.DstRowOff+r)*nCols + acc.DstColOff + c
				idx := li*nRows*nCols + flat
				coverage[idx]++
				if coverage[idx] > 1 {
					if tr.agg == nil {
						return fmt.Errorf("%w: tiles overlap at pixel (%d, %d) and no aggregation policy is configured",
							raster.ErrConfiguration, acc.DstRowOff+r, acc.DstColOff+c)
					}
					merged, err := tr.agg.Reduce(canvas.ValueAt(idx), v)
					if err != nil {
						return err
					}
					canvas.SetValueAt(idx, merged)
					continue
				}
				canvas.SetValueAt(idx, v)
			}
		}
	}
	return nil
}

// isNoData treats both the declared fill value and NaN as missing, so
// raw and decoder-mapped buffers merge the same way.
func isNoData(v, noData float64) bool {
	return math.IsNaN(v) || v == noData
}
