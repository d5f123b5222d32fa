package document

import (
	"encoding/json"
	"testing"

	"relaysync/pkg/crdt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCanvas = `{
  "nodes": [
    {"id": "b", "type": "text", "text": "second", "x": 10, "y": 0},
    {"id": "a", "type": "text", "text": "first", "x": 0, "y": 0}
  ],
  "edges": [
    {"id": "e1", "fromNode": "a", "toNode": "b"}
  ]
}`

func TestCanvasApplyAndRender(t *testing.T) {
	doc := crdt.NewDoc("c")
	c := NewCanvas("c", "/board.canvas", doc, nil, nil, nil)

	require.NoError(t, c.ApplyJSON([]byte(sampleCanvas)))
	assert.Equal(t, 2, doc.Map(NodesKey).Len())
	assert.Equal(t, 1, doc.Map(EdgesKey).Len())

	out, err := c.Render()
	require.NoError(t, err)
	var parsed struct {
		Nodes []map[string]any `json:"nodes"`
		Edges []map[string]any `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	require.Len(t, parsed.Nodes, 2)
	assert.Equal(t, "a", parsed.Nodes[0]["id"])
	assert.Equal(t, "b", parsed.Nodes[1]["id"])
}

func TestCanvasApplyOnlyTouchesChanges(t *testing.T) {
	doc := crdt.NewDoc("c")
	c := NewCanvas("c", "/board.canvas", doc, nil, nil, nil)
	require.NoError(t, c.ApplyJSON([]byte(sampleCanvas)))

	var updates int
	doc.OnUpdate(func([]byte, any) { updates++ })

	require.NoError(t, c.ApplyJSON([]byte(sampleCanvas)))
	assert.Equal(t, 0, updates)

	var keys []string
	doc.Map(NodesKey).Observe(func(ev crdt.MapEvent) { keys = append(keys, ev.Keys...) })
	require.NoError(t, c.ApplyJSON([]byte(`{"nodes":[{"id":"a","type":"text","text":"first","x":0,"y":0}],"edges":[]}`)))
	assert.Equal(t, []string{"b"}, keys)
	assert.Equal(t, 0, doc.Map(EdgesKey).Len())
}

func TestCanvasRejectsInvalidJSON(t *testing.T) {
	c := NewCanvas("c", "/board.canvas", crdt.NewDoc("c"), nil, nil, nil)
	assert.Error(t, c.ApplyJSON([]byte("{")))
	assert.Error(t, c.ApplyJSON([]byte(`{"nodes":[{"type":"text"}]}`)))
	assert.NoError(t, c.ApplyJSON(nil))
}

func TestCanvasCheckStaleIgnoresFormatting(t *testing.T) {
	c := NewCanvas("c", "/board.canvas", crdt.NewDoc("c"), nil, nil, nil)
	require.NoError(t, c.ApplyJSON([]byte(sampleCanvas)))

	assert.False(t, c.CheckStale(), "no buffer yet")

	rendered, err := c.Render()
	require.NoError(t, err)
	c.SetDiskBuffer(rendered)
	assert.False(t, c.CheckStale())

	c.SetDiskBuffer([]byte(sampleCanvas))
	assert.False(t, c.CheckStale())

	c.SetDiskBuffer([]byte(`{"nodes":[],"edges":[]}`))
	assert.True(t, c.CheckStale())
}
