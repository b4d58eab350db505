package raster

import (
	"fmt"
)

// Representation tags how a node's pixel values are encoded.
type Representation string

const (
	// RepArray is a dense flat numeric array (Buffer).
	RepArray Representation = "array"
	// RepDataset is a labeled multi-variable dataset carrying coordinate
	// axes.
	RepDataset Representation = "dataset"
	// RepTable is a dataset flattened to rows. It is a target
	// representation only, never a source.
	RepTable Representation = "table"
)

// Axes are the coordinate axes needed to reconstruct labeled metadata
// when converting representations: world coordinates per row/column and,
// for stacks, the layer labels.
type Axes struct {
	Labels  []string
	YCoords []float64
	XCoords []float64
}

// Dataset is the labeled representation: named per-variable buffers
// sharing one set of axes.
type Dataset struct {
	VarNames []string
	Vars     map[string]*Buffer
	Axes     Axes
	Attrs    map[string]map[string]string
}

// Var returns the named variable buffer.
func (ds *Dataset) Var(name string) (*Buffer, error) {
	buf, ok := ds.Vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %s is not part of the dataset", ErrConfiguration, name)
	}
	return buf, nil
}

// Table is the flattened representation: one row per (layer, y, x) with
// one value column per variable.
type Table struct {
	Columns []string
	Layers  []string
	Ys      []float64
	Xs      []float64
	Values  [][]float64
}

// Value is the tagged union of the three representations. Exactly one of
// the pointers is set, matching Rep.
type Value struct {
	Rep     Representation
	Array   *Buffer
	Dataset *Dataset
	Table   *Table
}

// ConvertOptions parameterize representation conversion. Variable selects
// the dataset variable for dataset->array and names the variable for
// array->dataset.
type ConvertOptions struct {
	Axes     Axes
	Variable string
}

type convKey struct {
	src Representation
	dst Representation
}

type convFunc func(*Value, ConvertOptions) (*Value, error)

// convTable dispatches conversion by (source tag, target tag). Read-only
// after initialization.
var convTable map[convKey]convFunc

func init() {
	convTable = map[convKey]convFunc{
		{RepArray, RepArray}:     convIdentity,
		{RepDataset, RepDataset}: convIdentity,
		{RepArray, RepDataset}:   convArrayToDataset,
		{RepDataset, RepArray}:   convDatasetToArray,
		{RepArray, RepTable}:     convViaDataset,
		{RepDataset, RepTable}:   convDatasetToTable,
	}
}

// Convert translates a value into the target representation. Converting
// requires the full coordinate axes; a table can only ever be a target.
func Convert(v *Value, target Representation, opts ConvertOptions) (*Value, error) {
	fn, ok := convTable[convKey{v.Rep, target}]
	if !ok {
		return nil, fmt.Errorf("%w: no conversion from %s to %s", ErrDataTypeMismatch, v.Rep, target)
	}
	return fn(v, opts)
}

func convIdentity(v *Value, _ ConvertOptions) (*Value, error) {
	return v, nil
}

func convArrayToDataset(v *Value, opts ConvertOptions) (*Value, error) {
	if opts.Variable == "" {
		return nil, fmt.Errorf("%w: a variable name has to be specified for converting an array to a dataset", ErrConfiguration)
	}
	if err := checkAxesShape(opts.Axes, v.Array); err != nil {
		return nil, err
	}
	ds := &Dataset{
		VarNames: []string{opts.Variable},
		Vars:     map[string]*Buffer{opts.Variable: v.Array},
		Axes:     opts.Axes,
	}
	return &Value{Rep: RepDataset, Dataset: ds}, nil
}

func convDatasetToArray(v *Value, opts ConvertOptions) (*Value, error) {
	ds := v.Dataset
	name := opts.Variable
	if name == "" {
		if len(ds.VarNames) != 1 {
			return nil, fmt.Errorf("%w: variable label is not specified and dataset has %d variables",
				ErrConfiguration, len(ds.VarNames))
		}
		name = ds.VarNames[0]
	}
	buf, err := ds.Var(name)
	if err != nil {
		return nil, err
	}
	return &Value{Rep: RepArray, Array: buf}, nil
}

func convViaDataset(v *Value, opts ConvertOptions) (*Value, error) {
	dsv, err := convArrayToDataset(v, opts)
	if err != nil {
		return nil, err
	}
	return convDatasetToTable(dsv, opts)
}

func convDatasetToTable(v *Value, opts ConvertOptions) (*Value, error) {
	ds := v.Dataset
	axes := ds.Axes
	nRows := len(axes.YCoords)
	nCols := len(axes.XCoords)
	nLayers := len(axes.Labels)
	if nLayers == 0 {
		nLayers = 1
	}
	n := nLayers * nRows * nCols
	tbl := &Table{
		Columns: append([]string{"layer_id", "y", "x"}, ds.VarNames...),
		Layers:  make([]string, 0, n),
		Ys:      make([]float64, 0, n),
		Xs:      make([]float64, 0, n),
		Values:  make([][]float64, 0, n),
	}
	for l := 0; l < nLayers; l++ {
		label := ""
		if len(axes.Labels) > 0 {
			label = axes.Labels[l]
		}
		for r := 0; r < nRows; r++ {
			for c := 0; c < nCols; c++ {
				i := l*nRows*nCols + r*nCols + c
				row := make([]float64, len(ds.VarNames))
				for vi, name := range ds.VarNames {
					row[vi] = ds.Vars[name].ValueAt(i)
				}
				tbl.Layers = append(tbl.Layers, label)
				tbl.Ys = append(tbl.Ys, axes.YCoords[r])
				tbl.Xs = append(tbl.Xs, axes.XCoords[c])
				tbl.Values = append(tbl.Values, row)
			}
		}
	}
	return &Value{Rep: RepTable, Table: tbl}, nil
}

func checkAxesShape(axes Axes, buf *Buffer) error {
	n := len(axes.YCoords) * len(axes.XCoords)
	if len(axes.Labels) > 0 {
		n *= len(axes.Labels)
	}
	if buf.Len() != n {
		return fmt.Errorf("%w: axes describe %d pixels, array holds %d", ErrDimensionsMismatch, n, buf.Len())
	}
	return nil
}
