package raster

import (
	"sync"

	"github.com/maybedave/veranda/geometry"
)

// Handle identifies a node in a provenance arena. The zero handle is
// never issued.
type Handle int

// provNode is the arena's record of one node: only the geometry snapshot
// and the parent link are kept, so a derived node never extends the
// lifetime of its source's pixel data.
type provNode struct {
	geom   geometry.RasterGeometry
	parent Handle
}

// Arena tracks derivation between raster nodes. Cropping, masking and
// windowed loads register the result with the source node as parent;
// the root is found by chasing parent handles.
type Arena struct {
	mu    sync.Mutex
	nodes map[Handle]provNode
	next  Handle
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{nodes: map[Handle]provNode{}, next: 1}
}

// Register records a node with its geometry snapshot. parent is 0 for a
// root node.
func (a *Arena) Register(geom geometry.RasterGeometry, parent Handle) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.next
	a.next++
	a.nodes[h] = provNode{geom: geom, parent: parent}
	return h
}

// Parent returns the parent handle of h, or 0 for a root.
func (a *Arena) Parent(h Handle) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[h].parent
}

// Root chases parent handles to the node with no parent.
func (a *Arena) Root(h Handle) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		node, ok := a.nodes[h]
		if !ok || node.parent == 0 {
			return h
		}
		h = node.parent
	}
}

// Geometry returns the geometry snapshot recorded for h.
func (a *Arena) Geometry(h Handle) (geometry.RasterGeometry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.nodes[h]
	return node.geom, ok
}

// RootGeometry returns the geometry of h's root node.
func (a *Arena) RootGeometry(h Handle) (geometry.RasterGeometry, bool) {
	return a.Geometry(a.Root(h))
}
