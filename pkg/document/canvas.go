package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"relaysync/pkg/crdt"
	"relaysync/pkg/metrics"
	"relaysync/pkg/provider"
	"relaysync/pkg/store"
	"relaysync/pkg/types"

	"go.uber.org/zap"
)

// CRDT maps holding canvas nodes and edges, keyed by element id.
const (
	NodesKey = "nodes"
	EdgesKey = "edges"
)

// Canvas is a JSON canvas whose nodes and edges live in CRDT maps.
type Canvas struct {
	handle

	doc         *crdt.Doc
	persistence *store.Persistence
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	conn       *provider.Connection
	diskBuffer []byte
}

// NewCanvas wraps doc as a canvas.
func NewCanvas(guid, vpath string, doc *crdt.Doc, persistence *store.Persistence, logger *zap.Logger, m *metrics.Metrics) *Canvas {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Canvas{
		handle:      handle{guid: guid, path: types.NormalizePath(vpath)},
		doc:         doc,
		persistence: persistence,
		logger:      logger.With(zap.String("canvas", guid)),
		metrics:     m,
	}
}

func (c *Canvas) Kind() types.Kind { return types.KindCanvas }

// Doc returns the CRDT document.
func (c *Canvas) Doc() *crdt.Doc {
	return c.doc
}

// Persistence returns the local store binding, or nil.
func (c *Canvas) Persistence() *store.Persistence {
	return c.persistence
}

// SetConnection attaches the provider connection of this canvas.
func (c *Canvas) SetConnection(conn *provider.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Connection returns the attached provider connection, or nil.
func (c *Canvas) Connection() *provider.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

type canvasFile struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []json.RawMessage `json:"edges"`
}

type element struct {
	ID string `json:"id"`
}

// Render serializes the canvas as JSON with elements ordered by id.
func (c *Canvas) Render() ([]byte, error) {
	out := canvasFile{
		Nodes: rawValues(c.doc.Map(NodesKey)),
		Edges: rawValues(c.doc.Map(EdgesKey)),
	}
	return json.MarshalIndent(out, "", "\t")
}

func rawValues(m *crdt.Map) []json.RawMessage {
	values := make([]json.RawMessage, 0, m.Len())
	for _, key := range m.Keys() {
		if v, ok := m.Get(key); ok {
			values = append(values, json.RawMessage(v))
		}
	}
	return values
}

// ApplyJSON merges canvas JSON into the CRDT maps, touching only elements
// that changed.
func (c *Canvas) ApplyJSON(data []byte) error {
	var parsed canvasFile
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("invalid canvas: %w", err)
		}
	}
	nodes, err := indexElements(parsed.Nodes)
	if err != nil {
		return err
	}
	edges, err := indexElements(parsed.Edges)
	if err != nil {
		return err
	}

	c.doc.Transact(c, func(tx *crdt.Tx) {
		syncMap(tx, c.doc.Map(NodesKey), nodes)
		syncMap(tx, c.doc.Map(EdgesKey), edges)
	})
	return nil
}

func indexElements(raw []json.RawMessage) (map[string][]byte, error) {
	out := make(map[string][]byte, len(raw))
	for _, r := range raw {
		var el element
		if err := json.Unmarshal(r, &el); err != nil {
			return nil, fmt.Errorf("invalid canvas element: %w", err)
		}
		if el.ID == "" {
			return nil, fmt.Errorf("canvas element without id")
		}
		compact := new(bytes.Buffer)
		if err := json.Compact(compact, r); err != nil {
			return nil, err
		}
		out[el.ID] = compact.Bytes()
	}
	return out, nil
}

func syncMap(tx *crdt.Tx, m *crdt.Map, want map[string][]byte) {
	for _, key := range m.Keys() {
		if _, ok := want[key]; !ok {
			m.Delete(tx, key)
		}
	}
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if cur, ok := m.Get(key); ok && bytes.Equal(cur, want[key]) {
			continue
		}
		m.Set(tx, key, want[key])
	}
}

// SetDiskBuffer records the bytes last seen on disk.
func (c *Canvas) SetDiskBuffer(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diskBuffer = append([]byte(nil), data...)
}

// CheckStale reports whether the disk buffer describes a different canvas
// than the CRDT state. Formatting differences are ignored.
func (c *Canvas) CheckStale() bool {
	c.mu.Lock()
	buffer := c.diskBuffer
	c.mu.Unlock()
	if buffer == nil {
		return false
	}

	disk, err := canonicalCanvas(buffer)
	if err != nil {
		c.logger.Warn("Canvas on disk is not valid JSON", zap.Error(err))
		c.metrics.StaleDocuments.Inc()
		return true
	}
	rendered, err := c.Render()
	if err != nil {
		return true
	}
	shared, _ := canonicalCanvas(rendered)
	if disk != shared {
		c.metrics.StaleDocuments.Inc()
		return true
	}
	return false
}

func canonicalCanvas(data []byte) (string, error) {
	var parsed canvasFile
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return "", err
		}
	}
	nodes, err := indexElements(parsed.Nodes)
	if err != nil {
		return "", err
	}
	edges, err := indexElements(parsed.Edges)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]map[string]json.RawMessage{
		"nodes": toRaw(nodes),
		"edges": toRaw(edges),
	})
	return string(out), err
}

func toRaw(m map[string][]byte) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Destroy detaches the provider connection and stops local persistence.
func (c *Canvas) Destroy() {
	if !c.markDestroyed() {
		return
	}
	if conn := c.Connection(); conn != nil {
		conn.Destroy()
	}
	if c.persistence != nil {
		c.persistence.Close()
	}
}
