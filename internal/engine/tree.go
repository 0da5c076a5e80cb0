package engine

import (
	"fmt"

	"github.com/roach88/tickflow/internal/ir"
)

// maxTreeDepth bounds handle resolution so a handle cycle cannot recurse
// forever.
const maxTreeDepth = 64

// TreeKey identifies one element of the output tree: the definition that
// produced it, the instantiation it belongs to and its position among its
// siblings.
type TreeKey struct {
	Source  ir.SourceID
	Scope   ir.ScopeID
	Ordinal int
}

// String renders the key as source/scope/ordinal.
func (k TreeKey) String() string {
	return fmt.Sprintf("%s%s/%d", k.Source, k.Scope, k.Ordinal)
}

// TreeField is one named child of an object element.
type TreeField struct {
	Name string
	Node *TreeNode
}

// TreeNode is one element of the output tree with handles resolved.
type TreeNode struct {
	Key  TreeKey
	Kind string
	// Value is the leaf payload for scalar kinds.
	Value ir.Payload
	// Tag is set for tagged objects.
	Tag    string
	Fields []TreeField
	Items  []*TreeNode
}

// Tree resolves the current value of root into an output tree. List and
// object handles are replaced by the current values of their items and
// fields, so consumers never see slot IDs.
func (e *Engine) Tree(root ir.SlotID) (*TreeNode, error) {
	n, ok := e.nodes.Get(root)
	if !ok {
		return nil, fmt.Errorf("tree root %s: stale slot", root)
	}
	key := TreeKey{Source: n.Address.Source, Scope: n.Address.Scope}
	return e.treeOf(key, n.Value, 0)
}

func (e *Engine) treeOf(key TreeKey, p ir.Payload, depth int) (*TreeNode, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("tree at %s: deeper than %d levels", key, maxTreeDepth)
	}
	if p == nil {
		p = ir.NoValue{}
	}
	t := &TreeNode{Key: key, Kind: ir.KindName(p)}

	switch v := p.(type) {
	case ir.ListHandle:
		bus, ok := e.busAt(v.Slot)
		if !ok {
			return nil, fmt.Errorf("tree at %s: list handle %s is stale", key, v.Slot)
		}
		bn, _ := e.nodes.Get(v.Slot)
		for i, it := range e.visibleEntries(bus) {
			item := bus.byKey[it.Key]
			child := TreeKey{Source: bn.Address.Source, Scope: item.Scope, Ordinal: i}
			c, err := e.treeOf(child, it.Value, depth+1)
			if err != nil {
				return nil, err
			}
			t.Items = append(t.Items, c)
		}

	case ir.ObjectHandle:
		rn, ok := e.nodes.Get(v.Slot)
		if !ok {
			return nil, fmt.Errorf("tree at %s: object handle %s is stale", key, v.Slot)
		}
		router, ok := rn.Kind.(*Router)
		if !ok {
			return nil, fmt.Errorf("tree at %s: object handle %s names a %s", key, v.Slot, rn.Kind.Name())
		}
		for i, name := range router.order {
			child := TreeKey{Source: rn.Address.Source, Scope: rn.Address.Scope, Ordinal: i}
			c, err := e.treeOf(child, e.valueOf(router.children[name]), depth+1)
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, TreeField{Name: name, Node: c})
		}

	case ir.Record:
		if err := e.treeFields(t, key, v, depth); err != nil {
			return nil, err
		}

	case ir.TaggedObject:
		t.Tag = v.Tag
		if err := e.treeFields(t, key, v.Fields, depth); err != nil {
			return nil, err
		}

	case ir.Flushed:
		c, err := e.treeOf(TreeKey{Source: key.Source, Scope: key.Scope}, v.Value, depth+1)
		if err != nil {
			return nil, err
		}
		t.Items = []*TreeNode{c}

	default:
		t.Value = p
	}
	return t, nil
}

func (e *Engine) treeFields(t *TreeNode, key TreeKey, fields ir.Record, depth int) error {
	for i, name := range fields.SortedKeys() {
		child := TreeKey{Source: key.Source, Scope: key.Scope, Ordinal: i}
		c, err := e.treeOf(child, fields[name], depth+1)
		if err != nil {
			return err
		}
		t.Fields = append(t.Fields, TreeField{Name: name, Node: c})
	}
	return nil
}

// Render converts the tree to plain maps and slices suitable for
// ir.MarshalCanonical.
func (t *TreeNode) Render() any {
	out := map[string]any{
		"key":  t.Key.String(),
		"kind": t.Kind,
	}
	if t.Value != nil {
		out["value"] = ir.CanonicalForm(t.Value)
	}
	if t.Tag != "" {
		out["tag"] = t.Tag
	}
	if len(t.Fields) > 0 {
		fields := make([]any, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = map[string]any{"name": f.Name, "node": f.Node.Render()}
		}
		out["fields"] = fields
	}
	if len(t.Items) > 0 {
		items := make([]any, len(t.Items))
		for i, c := range t.Items {
			items[i] = c.Render()
		}
		out["items"] = items
	}
	return out
}

// Plain converts the tree to the value it denotes, dropping keys:
// lists become []any, objects map[string]any, scalars their canonical form.
func (t *TreeNode) Plain() any {
	switch {
	case t.Kind == "list":
		items := make([]any, len(t.Items))
		for i, c := range t.Items {
			items[i] = c.Plain()
		}
		return items
	case t.Kind == "flushed":
		return map[string]any{"$flushed": t.Items[0].Plain()}
	case len(t.Fields) > 0 || t.Kind == "object" || t.Kind == "record" || t.Kind == "tagged":
		fields := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			fields[f.Name] = f.Node.Plain()
		}
		if t.Tag != "" {
			return map[string]any{"$tag": t.Tag, "fields": fields}
		}
		return fields
	default:
		return ir.CanonicalForm(t.Value)
	}
}
