package zarr

import (
	"context"
	"encoding/json"
	"fmt"
)

// Node is anything that can live under a Group: an Array leaf or a nested
// Group.
type Node interface {
	saveNode(ctx context.Context, store PathStore, dir string) error
}

// Group is an ordered collection of named child nodes (arrays or nested
// groups), plus its own attributes sidecar.
type Group struct {
	Attrs    Attrs
	children []namedChild
	index    map[string]int
}

type namedChild struct {
	name string
	node Node
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{index: map[string]int{}}
}

// Add appends a named child, replacing any existing child of the same
// name in place so declaration order is preserved on update.
func (g *Group) Add(name string, n Node) *Group {
	if i, ok := g.index[name]; ok {
		g.children[i].node = n
		return g
	}
	g.index[name] = len(g.children)
	g.children = append(g.children, namedChild{name: name, node: n})
	return g
}

// Get returns the named child, or nil if absent.
func (g *Group) Get(name string) Node {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.children[i].node
}

// Names returns child names in declaration order.
func (g *Group) Names() []string {
	out := make([]string, len(g.children))
	for i, c := range g.children {
		out[i] = c.name
	}
	return out
}

type groupJSON struct {
	ZarrFormat int `json:"zarr_format"`
}

// Save writes .zgroup, an optional .zattrs, and one subdirectory per child
// in declaration order.
func (g *Group) Save(ctx context.Context, store PathStore, dir string) error {
	return g.saveNode(ctx, store, dir)
}

func (g *Group) saveNode(ctx context.Context, store PathStore, dir string) error {
	data, err := json.Marshal(groupJSON{ZarrFormat: 2})
	if err != nil {
		return err
	}
	if err := store.Write(ctx, joinPath(dir, zgroupBasename), data); err != nil {
		return err
	}
	if err := saveAttrs(ctx, store, dir, g.Attrs); err != nil {
		return err
	}
	for _, c := range g.children {
		if err := c.node.saveNode(ctx, store, joinPath(dir, c.name)); err != nil {
			return fmt.Errorf("zarr: save child %q: %w", c.name, err)
		}
	}
	return nil
}

// saveNode lets *Array participate in a Group tree.
func (a *Array) saveNode(ctx context.Context, store PathStore, dir string) error {
	return a.Save(ctx, store, dir)
}

// OpenGroup loads dir as a group: its .zgroup, its .zattrs, and every
// immediate child, recursively determined to be either an array (a
// ".zarray" present in the child directory) or a nested group (a
// ".zgroup" present instead). A child directory with neither fails with
// MalformedChildError wrapping ErrMissingChild.
func OpenGroup(ctx context.Context, store PathStore, dir string) (*Group, error) {
	data, err := store.Read(ctx, joinPath(dir, zgroupBasename))
	if err != nil {
		return nil, err
	}
	var meta groupJSON
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, malformedMetadata(".zgroup: %v", err)
	}
	if meta.ZarrFormat != 2 {
		return nil, malformedMetadata("unsupported zarr_format %d, want 2", meta.ZarrFormat)
	}

	attrs, err := loadAttrs(ctx, store, dir)
	if err != nil {
		return nil, err
	}

	names, err := store.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	g := NewGroup()
	g.Attrs = attrs
	for _, name := range names {
		switch name {
		case zgroupBasename, zarrayBasename, zattrsBasename:
			continue
		}
		childDir := joinPath(dir, name)
		node, err := openNode(ctx, store, childDir)
		if err != nil {
			return nil, &MalformedChildError{Name: name, Cause: err}
		}
		g.Add(name, node)
	}
	return g, nil
}

func openNode(ctx context.Context, store PathStore, dir string) (Node, error) {
	if ok, err := store.Exists(ctx, joinPath(dir, zarrayBasename)); err != nil {
		return nil, err
	} else if ok {
		return Open(ctx, store, dir)
	}
	if ok, err := store.Exists(ctx, joinPath(dir, zgroupBasename)); err != nil {
		return nil, err
	} else if ok {
		return OpenGroup(ctx, store, dir)
	}
	return nil, fmt.Errorf("%w: %s has neither .zarray nor .zgroup", ErrMissingChild, dir)
}
