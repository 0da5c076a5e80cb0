package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/ir"
)

func canonicalTree(t *testing.T, e *Engine, root ir.SlotID) []byte {
	t.Helper()
	tree, err := e.Tree(root)
	require.NoError(t, err)
	out, err := ir.MarshalCanonical(tree.Render())
	require.NoError(t, err)
	return out
}

func TestTree_ResolvesListsAndObjects(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	todos := b.Bus(named("todos"), ir.SlotID{}, titledItem)
	settle(t, e)
	send(t, e, todos, ir.Text("milk"))
	send(t, e, todos, ir.Text("eggs"))
	tick(t, e)

	tree, err := e.Tree(todos)
	require.NoError(t, err)
	assert.Equal(t, "list", tree.Kind)
	require.Len(t, tree.Items, 2)

	item := tree.Items[1]
	assert.Equal(t, "object", item.Kind)
	assert.Equal(t, named("todos"), item.Key.Source)
	assert.Equal(t, 1, item.Key.Ordinal)
	require.Len(t, item.Fields, 1)
	assert.Equal(t, "title", item.Fields[0].Name)
	assert.Equal(t, ir.Text("eggs"), item.Fields[0].Node.Value)

	assert.Equal(t, []any{
		map[string]any{"title": "milk"},
		map[string]any{"title": "eggs"},
	}, tree.Plain())
}

func TestTree_ItemKeysFollowItemScopes(t *testing.T) {
	e := newTestEngine()
	todos := e.Root().Bus(named("todos"), ir.SlotID{}, nil)
	settle(t, e)
	send(t, e, todos, ir.Text("a"))
	send(t, e, todos, ir.Text("b"))
	tick(t, e)

	before, err := e.Tree(todos)
	require.NoError(t, err)
	scopeB := before.Items[1].Key.Scope

	send(t, e, todos, listDelta(ir.ListOp{Kind: ir.ListRemove, Key: 1}))
	tick(t, e)

	after, err := e.Tree(todos)
	require.NoError(t, err)
	require.Len(t, after.Items, 1)
	assert.Equal(t, scopeB, after.Items[0].Key.Scope, "surviving item keeps its identity")
	assert.Equal(t, 0, after.Items[0].Key.Ordinal)
}

func TestTree_RecordsTagsAndFlushes(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	rec := b.Producer(named("rec"), ir.Record{"b": ir.Number(1), "a": ir.Bool(true)})
	tagged := b.Producer(named("tagged"), ir.Tagged("Ok", ir.F("v", ir.Text("x"))))
	flushed := b.Producer(named("flushed"), ir.Flushed{Value: ir.Tag("Err")})
	settle(t, e)

	tree, err := e.Tree(rec)
	require.NoError(t, err)
	assert.Equal(t, "record", tree.Kind)
	require.Len(t, tree.Fields, 2)
	assert.Equal(t, "a", tree.Fields[0].Name)
	assert.Equal(t, "b", tree.Fields[1].Name)

	tree, err = e.Tree(tagged)
	require.NoError(t, err)
	assert.Equal(t, "Ok", tree.Tag)
	assert.Equal(t, map[string]any{"$tag": "Ok", "fields": map[string]any{"v": "x"}}, tree.Plain())

	tree, err = e.Tree(flushed)
	require.NoError(t, err)
	assert.Equal(t, "flushed", tree.Kind)
	require.Len(t, tree.Items, 1)
	assert.Equal(t, ir.Tag("Err"), tree.Items[0].Value)
}

func TestTree_StaleRoot(t *testing.T) {
	e := newTestEngine()
	_, err := e.Tree(ir.SlotID{Index: 9, Generation: 1})
	assert.Error(t, err)
}

func TestTree_RenderIsCanonical(t *testing.T) {
	e := newTestEngine()
	todos := e.Root().Bus(named("todos"), ir.SlotID{}, titledItem)
	settle(t, e)
	send(t, e, todos, ir.Text("milk"))
	tick(t, e)

	first := canonicalTree(t, e, todos)
	second := canonicalTree(t, e, todos)
	assert.Equal(t, first, second)
	assert.Contains(t, string(first), `"kind":"list"`)
	assert.NotContains(t, string(first), "$object", "handles are resolved")
}
