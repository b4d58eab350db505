package mosaic

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/maybedave/veranda/raster"
)

// Entry is one row of a file registry: a file on disk holding one tile
// and one stack layer of a mosaic. Extra carries optional coordinate
// columns the caller wants to keep around.
type Entry struct {
	Filepath string            `yaml:"filepath" json:"filepath"`
	TileID   string            `yaml:"tile_id" json:"tile_id"`
	LayerID  string            `yaml:"layer_id" json:"layer_id"`
	Extra    map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// FileRegistry maps (tile, layer) pairs to files. Each pair resolves to
// exactly one file; duplicates are rejected at construction.
type FileRegistry struct {
	entries []Entry
	index   map[[2]string]int
}

// NewFileRegistry validates and indexes the given rows.
func NewFileRegistry(entries []Entry) (*FileRegistry, error) {
	reg := &FileRegistry{
		entries: append([]Entry(nil), entries...),
		index:   make(map[[2]string]int, len(entries)),
	}
	for i, e := range reg.entries {
		if e.Filepath == "" || e.TileID == "" || e.LayerID == "" {
			return nil, fmt.Errorf("%w: registry row %d misses filepath, tile_id or layer_id",
				raster.ErrConfiguration, i)
		}
		key := [2]string{e.TileID, e.LayerID}
		if prev, ok := reg.index[key]; ok {
			return nil, fmt.Errorf("%w: tile %s layer %s appears in both %s and %s",
				raster.ErrConfiguration, e.TileID, e.LayerID, reg.entries[prev].Filepath, e.Filepath)
		}
		reg.index[key] = i
	}
	return reg, nil
}

// RegistryFromYAML loads registry rows from a yaml file holding either a
// bare list of rows or a document with an `entries` key.
func RegistryFromYAML(path string) (*FileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mosaic: reading registry %s: %w", path, err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		var doc struct {
			Entries []Entry `yaml:"entries"`
		}
		if derr := yaml.Unmarshal(data, &doc); derr != nil {
			return nil, fmt.Errorf("mosaic: parsing registry %s: %w", path, err)
		}
		entries = doc.Entries
	}
	return NewFileRegistry(entries)
}

// patternPlaceholder matches the {tile_id} / {layer_id} style fields of
// a filename pattern.
var patternPlaceholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// RegistryFromFilepaths derives registry rows from filenames. pattern
// describes the base name, e.g. "SIG0_{layer_id}_{tile_id}.tif"; every
// placeholder captures a non-separator run, and tile_id plus layer_id
// must both appear. Paths not matching the pattern are rejected.
func RegistryFromFilepaths(paths []string, pattern string) (*FileRegistry, error) {
	names := []string{}
	reSrc := patternPlaceholder.ReplaceAllStringFunc(regexp.QuoteMeta(pattern), func(m string) string {
		name := strings.Trim(m, `\{}`)
		names = append(names, name)
		return `([^_./\\]+)`
	})
	hasTile, hasLayer := false, false
	for _, n := range names {
		hasTile = hasTile || n == "tile_id"
		hasLayer = hasLayer || n == "layer_id"
	}
	if !hasTile || !hasLayer {
		return nil, fmt.Errorf("%w: filename pattern %q needs both {tile_id} and {layer_id}",
			raster.ErrConfiguration, pattern)
	}
	re, err := regexp.Compile("^" + reSrc + "$")
	if err != nil {
		return nil, fmt.Errorf("mosaic: filename pattern %q: %w", pattern, err)
	}

	entries := make([]Entry, 0, len(paths))
	for _, path := range paths {
		m := re.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			return nil, fmt.Errorf("%w: %s does not match pattern %q", raster.ErrConfiguration, path, pattern)
		}
		e := Entry{Filepath: path}
		for i, name := range names {
			switch name {
			case "tile_id":
				e.TileID = m[i+1]
			case "layer_id":
				e.LayerID = m[i+1]
			default:
				if e.Extra == nil {
					e.Extra = make(map[string]string)
				}
				e.Extra[name] = m[i+1]
			}
		}
		entries = append(entries, e)
	}
	return NewFileRegistry(entries)
}

// RegistryFromDB loads registry rows from a database table with the
// required filepath, tile_id and layer_id columns. The table name is
// interpolated and must come from configuration, not user input.
func RegistryFromDB(db *sql.DB, table string) (*FileRegistry, error) {
	rows, err := db.Query(fmt.Sprintf(`select filepath, tile_id, layer_id from %s`, table))
	if err != nil {
		return nil, fmt.Errorf("mosaic: querying registry table %s: %w", table, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Filepath, &e.TileID, &e.LayerID); err != nil {
			return nil, fmt.Errorf("mosaic: scanning registry table %s: %w", table, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mosaic: reading registry table %s: %w", table, err)
	}
	return NewFileRegistry(entries)
}

// Entries returns the rows in registration order.
func (r *FileRegistry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// TileIDs returns the distinct tile identities, sorted.
func (r *FileRegistry) TileIDs() []string {
	return r.distinct(func(e Entry) string { return e.TileID })
}

// LayerIDs returns the distinct layer identities, sorted.
func (r *FileRegistry) LayerIDs() []string {
	return r.distinct(func(e Entry) string { return e.LayerID })
}

func (r *FileRegistry) distinct(key func(Entry) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range r.entries {
		k := key(e)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ForTile returns the rows of one tile in layer order.
func (r *FileRegistry) ForTile(tileID string) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.TileID == tileID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LayerID < out[j].LayerID })
	return out
}

// Lookup resolves one (tile, layer) pair.
func (r *FileRegistry) Lookup(tileID, layerID string) (Entry, bool) {
	i, ok := r.index[[2]string{tileID, layerID}]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Len returns the number of rows.
func (r *FileRegistry) Len() int { return len(r.entries) }
