// Package memory implements the raster driver contract over in-memory
// canvases. It backs unit tests and scratch pipelines where hitting the
// filesystem buys nothing.
package memory

import (
	"fmt"
	"sync"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

// Driver serves windows of an in-memory multi-variable canvas. Variables
// share one geometry and one set of stack labels; each variable's buffer
// has shape (len(labels), NRows, NCols).
type Driver struct {
	mu     sync.Mutex
	path   string
	geom   geometry.RasterGeometry
	labels []string
	vars   map[string]*raster.Buffer
	infos  map[string]raster.VarInfo
	order  []string
	closed bool
}

// New creates an empty single-layer canvas.
func New(path string, geom geometry.RasterGeometry) *Driver {
	return NewStacked(path, geom, []string{"0"})
}

// NewStacked creates an empty canvas with one entry per stack label.
func NewStacked(path string, geom geometry.RasterGeometry, labels []string) *Driver {
	return &Driver{
		path:   path,
		geom:   geom,
		labels: append([]string(nil), labels...),
		vars:   make(map[string]*raster.Buffer),
		infos:  make(map[string]raster.VarInfo),
	}
}

// AddVariable registers a variable and fills its canvas with nodata.
func (d *Driver) AddVariable(info raster.VarInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vars[info.Name]; ok {
		return fmt.Errorf("memory: variable %s already exists", info.Name)
	}
	buf, err := raster.NewNoDataBuffer(info.DType, len(d.labels)*d.geom.NRows*d.geom.NCols, info.NoData)
	if err != nil {
		return err
	}
	d.vars[info.Name] = buf
	d.infos[info.Name] = info
	d.order = append(d.order, info.Name)
	return nil
}

// SetVariable registers a variable with pre-built contents.
func (d *Driver) SetVariable(info raster.VarInfo, buf *raster.Buffer) error {
	want := len(d.labels) * d.geom.NRows * d.geom.NCols
	if buf.Len() != want {
		return fmt.Errorf("%w: variable %s holds %d values, canvas needs %d",
			raster.ErrDimensionsMismatch, info.Name, buf.Len(), want)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vars[info.Name]; !ok {
		d.order = append(d.order, info.Name)
	}
	d.vars[info.Name] = buf
	d.infos[info.Name] = info
	return nil
}

func (d *Driver) Filepath() string { return d.path }

func (d *Driver) Geometry() (geometry.RasterGeometry, error) { return d.geom, nil }

func (d *Driver) Layers() ([]string, error) {
	return append([]string(nil), d.labels...), nil
}

func (d *Driver) Variables() ([]raster.VarInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	infos := make([]raster.VarInfo, 0, len(d.order))
	for _, name := range d.order {
		infos = append(infos, d.infos[name])
	}
	return infos, nil
}

func (d *Driver) Read(row, col, nRows, nCols int, variables []string, decoder raster.Decoder) (map[string]*raster.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("memory: %s is closed", d.path)
	}
	if variables == nil {
		variables = d.order
	}
	idxs := make([]int, len(d.labels))
	for i := range idxs {
		idxs[i] = i
	}
	out := make(map[string]*raster.Buffer, len(variables))
	for _, name := range variables {
		canvas, ok := d.vars[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown variable %s in %s", raster.ErrReadFailure, name, d.path)
		}
		win, err := canvas.Window3D(len(d.labels), d.geom.NRows, d.geom.NCols, idxs,
			row, col, row+nRows-1, col+nCols-1)
		if err != nil {
			return nil, err
		}
		if decoder != nil {
			info := d.infos[name]
			win, err = decoder(win, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return nil, err
			}
		}
		out[name] = win
	}
	return out, nil
}

func (d *Driver) Write(vars map[string]*raster.Buffer, row, col, nRows, nCols int, encoder raster.Encoder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("memory: %s is closed", d.path)
	}
	for name, buf := range vars {
		info, ok := d.infos[name]
		if !ok {
			info = raster.VarInfo{Name: name, DType: buf.Type, NoData: raster.DTypeNoData[buf.Type], ScaleFactor: 1}
			canvas, err := raster.NewNoDataBuffer(info.DType, len(d.labels)*d.geom.NRows*d.geom.NCols, info.NoData)
			if err != nil {
				return err
			}
			d.vars[name] = canvas
			d.infos[name] = info
			d.order = append(d.order, name)
		}
		if encoder != nil {
			enc, err := encoder(buf, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return err
			}
			buf = enc
		}
		nLayers := buf.Len() / (nRows * nCols)
		if nLayers*nRows*nCols != buf.Len() {
			return fmt.Errorf("%w: variable %s window holds %d values, not a multiple of (%d, %d)",
				raster.ErrDimensionsMismatch, name, buf.Len(), nRows, nCols)
		}
		if nLayers > len(d.labels) {
			return fmt.Errorf("%w: variable %s writes %d layers into a %d layer canvas",
				raster.ErrDimensionsMismatch, name, nLayers, len(d.labels))
		}
		canvas := d.vars[name]
		sz := raster.DTypeSizes[canvas.Type]
		bufSz := raster.DTypeSizes[buf.Type]
		layerPx := d.geom.NRows * d.geom.NCols
		winPx := nRows * nCols
		for li := 0; li < nLayers; li++ {
			layerCanvas := &raster.Buffer{Type: canvas.Type, Data: canvas.Data[li*layerPx*sz : (li+1)*layerPx*sz]}
			if canvas.Mask != nil {
				layerCanvas.Mask = canvas.Mask[li*layerPx : (li+1)*layerPx]
			}
			layerWin := &raster.Buffer{Type: buf.Type, Data: buf.Data[li*winPx*bufSz : (li+1)*winPx*bufSz]}
			if buf.Mask != nil {
				layerWin.Mask = buf.Mask[li*winPx : (li+1)*winPx]
			}
			if err := layerCanvas.PasteWindow2D(d.geom.NRows, d.geom.NCols, layerWin, nRows, nCols, row, col); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) Flush() error { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
