// Package graph maintains the typed relationship index between memory
// records: caller-declared relations plus auto-detected similarity edges.
package graph

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/retrieval"
	"github.com/BaSui01/memflow/types"
)

// node lives in a flat arena; removed nodes leave a tombstone whose slot is
// reused by later inserts, so edge indexes stay stable.
type node struct {
	id        string
	embedding []float64
	alive     bool
}

type edge struct {
	from, to  int
	relation  string
	strength  float64
	auto      bool
	createdAt time.Time
	alive     bool
}

// Graph is an in-memory directed multigraph. Multiple edges between the
// same pair are allowed as long as their relation types differ. Safe for
// concurrent use.
type Graph struct {
	cfg    config.GraphConfig
	logger *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time

	mu       sync.RWMutex
	nodes    []node
	index    map[string]int
	freeList []int
	edges    []edge
	out      map[int][]int // node index -> outgoing edge indexes
	in       map[int][]int
}

// New creates an empty graph.
func New(cfg config.GraphConfig, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "graph")),
		Now:    time.Now,
		index:  make(map[string]int),
		out:    make(map[int][]int),
		in:     make(map[int][]int),
	}
}

// ensureLocked returns the arena slot for id, allocating one if needed.
func (g *Graph) ensureLocked(id string) int {
	if idx, ok := g.index[id]; ok {
		return idx
	}
	var idx int
	if n := len(g.freeList); n > 0 {
		idx = g.freeList[n-1]
		g.freeList = g.freeList[:n-1]
		g.nodes[idx] = node{id: id, alive: true}
	} else {
		idx = len(g.nodes)
		g.nodes = append(g.nodes, node{id: id, alive: true})
	}
	g.index[id] = idx
	return idx
}

// AddNode registers a record with its embedding and auto-detects similarity
// edges against every other embedded node. Detected edges are symmetric:
// one edge in each direction. Returns the newly created edges.
func (g *Graph) AddNode(id string, embedding []float64) []types.GraphEdge {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.ensureLocked(id)
	g.nodes[idx].embedding = append([]float64(nil), embedding...)

	if len(embedding) == 0 || g.cfg.SimilarityThreshold <= 0 {
		return nil
	}

	var created []types.GraphEdge
	for other, n := range g.nodes {
		if other == idx || !n.alive || len(n.embedding) == 0 {
			continue
		}
		sim := retrieval.Cosine(embedding, n.embedding)
		if sim < g.cfg.SimilarityThreshold {
			continue
		}
		created = append(created,
			g.upsertEdgeLocked(idx, other, types.RelationSimilarTo, sim, true),
			g.upsertEdgeLocked(other, idx, types.RelationSimilarTo, sim, true),
		)
	}
	if len(created) > 0 {
		g.logger.Debug("similarity edges detected",
			zap.String("id", id),
			zap.Int("count", len(created)/2))
	}
	return created
}

// AddRelation creates or updates a directed, typed edge. Unknown endpoints
// are registered as embedding-less nodes so relations can precede the
// records' embeddings.
func (g *Graph) AddRelation(from, to, relation string, strength float64) (types.GraphEdge, error) {
	if relation == "" {
		return types.GraphEdge{}, types.NewError(types.ErrInvalidRequest, "relation must not be empty")
	}
	if strength < 0 || strength > 1 {
		return types.GraphEdge{}, types.NewErrorf(types.ErrInvalidRequest,
			"strength %v outside [0,1]", strength)
	}
	if from == to {
		return types.GraphEdge{}, types.NewError(types.ErrInvalidRequest, "self edges are not allowed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	fi := g.ensureLocked(from)
	ti := g.ensureLocked(to)
	return g.upsertEdgeLocked(fi, ti, relation, strength, false), nil
}

// upsertEdgeLocked creates the edge or refreshes strength on an existing
// (from, to, relation) triple. Caller holds the write lock.
func (g *Graph) upsertEdgeLocked(from, to int, relation string, strength float64, auto bool) types.GraphEdge {
	for _, ei := range g.out[from] {
		e := &g.edges[ei]
		if e.alive && e.to == to && e.relation == relation {
			e.strength = strength
			return g.exportEdgeLocked(ei)
		}
	}
	ei := len(g.edges)
	g.edges = append(g.edges, edge{
		from: from, to: to,
		relation:  relation,
		strength:  strength,
		auto:      auto,
		createdAt: g.Now(),
		alive:     true,
	})
	g.out[from] = append(g.out[from], ei)
	g.in[to] = append(g.in[to], ei)
	return g.exportEdgeLocked(ei)
}

func (g *Graph) exportEdgeLocked(ei int) types.GraphEdge {
	e := g.edges[ei]
	return types.GraphEdge{
		From:      g.nodes[e.from].id,
		To:        g.nodes[e.to].id,
		Relation:  e.relation,
		Strength:  e.strength,
		Auto:      e.auto,
		CreatedAt: e.createdAt,
	}
}

// RemoveNode drops a record and every edge touching it. Unknown ids are a
// no-op: eviction callbacks fire for records that never got an embedding.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[id]
	if !ok {
		return
	}
	for _, ei := range g.out[idx] {
		g.edges[ei].alive = false
	}
	for _, ei := range g.in[idx] {
		g.edges[ei].alive = false
	}
	delete(g.out, idx)
	delete(g.in, idx)
	delete(g.index, id)
	g.nodes[idx] = node{}
	g.freeList = append(g.freeList, idx)
}

// Edges returns the alive outgoing edges of id, sorted by target id then
// relation.
func (g *Graph) Edges(id string) []types.GraphEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[id]
	if !ok {
		return nil
	}
	var outEdges []types.GraphEdge
	for _, ei := range g.out[idx] {
		if e := g.edges[ei]; e.alive && g.nodes[e.to].alive {
			outEdges = append(outEdges, g.exportEdgeLocked(ei))
		}
	}
	sort.Slice(outEdges, func(i, j int) bool {
		if outEdges[i].To != outEdges[j].To {
			return outEdges[i].To < outEdges[j].To
		}
		return outEdges[i].Relation < outEdges[j].Relation
	})
	return outEdges
}

// AllEdges returns every alive edge. Used for persistence write-through.
func (g *Graph) AllEdges() []types.GraphEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []types.GraphEdge
	for ei, e := range g.edges {
		if e.alive && g.nodes[e.from].alive && g.nodes[e.to].alive {
			out = append(out, g.exportEdgeLocked(ei))
		}
	}
	return out
}

// LoadEdge restores a persisted edge without similarity detection.
func (g *Graph) LoadEdge(e types.GraphEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fi := g.ensureLocked(e.From)
	ti := g.ensureLocked(e.To)
	g.upsertEdgeLocked(fi, ti, e.Relation, e.Strength, e.Auto)
}

// Related returns the ids reachable from start within depth hops, following
// only edges at or above minStrength. Breadth-first; each level is reported
// in id order and the start node is excluded.
func (g *Graph) Related(start string, depth int, minStrength float64) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	startIdx, ok := g.index[start]
	if !ok || depth <= 0 {
		return nil
	}

	visited := map[int]struct{}{startIdx: {}}
	frontier := []int{startIdx}
	var result []string

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []int
		for _, idx := range frontier {
			for _, ei := range g.out[idx] {
				e := g.edges[ei]
				if !e.alive || e.strength < minStrength || !g.nodes[e.to].alive {
					continue
				}
				if _, seen := visited[e.to]; seen {
					continue
				}
				visited[e.to] = struct{}{}
				next = append(next, e.to)
			}
		}
		ids := make([]string, len(next))
		for i, idx := range next {
			ids[i] = g.nodes[idx].id
		}
		sort.Strings(ids)
		result = append(result, ids...)

		sort.Ints(next)
		frontier = next
	}
	return result
}

// FindPaths returns every simple path from one record to another within
// maxDepth hops, shortest first.
func (g *Graph) FindPaths(from, to string, maxDepth int) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	fi, ok := g.index[from]
	if !ok {
		return nil
	}
	ti, ok := g.index[to]
	if !ok || maxDepth <= 0 {
		return nil
	}

	var paths [][]string
	onPath := map[int]struct{}{fi: {}}
	path := []int{fi}

	var dfs func(cur int)
	dfs = func(cur int) {
		if cur == ti {
			ids := make([]string, len(path))
			for i, idx := range path {
				ids[i] = g.nodes[idx].id
			}
			paths = append(paths, ids)
			return
		}
		if len(path)-1 >= maxDepth {
			return
		}
		for _, ei := range g.out[cur] {
			e := g.edges[ei]
			if !e.alive || !g.nodes[e.to].alive {
				continue
			}
			if _, seen := onPath[e.to]; seen {
				continue
			}
			onPath[e.to] = struct{}{}
			path = append(path, e.to)
			dfs(e.to)
			path = path[:len(path)-1]
			delete(onPath, e.to)
		}
	}
	dfs(fi)

	sort.SliceStable(paths, func(i, j int) bool { return len(paths[i]) < len(paths[j]) })
	return paths
}

// Clusters returns groups of records connected by edges at or above the
// configured cluster strength, ignoring direction. Groups smaller than
// minSize are dropped. Each group is sorted by id; groups are ordered by
// their first member.
func (g *Graph) Clusters(minSize int) [][]string {
	if minSize < 2 {
		minSize = 2
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Union-find over alive nodes.
	parent := make(map[int]int, len(g.index))
	var find func(x int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, idx := range g.index {
		parent[idx] = idx
	}
	for _, e := range g.edges {
		if !e.alive || e.strength < g.cfg.ClusterStrengthThreshold {
			continue
		}
		if !g.nodes[e.from].alive || !g.nodes[e.to].alive {
			continue
		}
		parent[find(e.from)] = find(e.to)
	}

	groups := make(map[int][]string)
	for id, idx := range g.index {
		root := find(idx)
		groups[root] = append(groups[root], id)
	}

	var out [][]string
	for _, members := range groups {
		if len(members) < minSize {
			continue
		}
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// MostConnected returns up to n record ids by total degree, ties broken by
// id.
func (g *Graph) MostConnected(n int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type entry struct {
		id     string
		degree int
	}
	entries := make([]entry, 0, len(g.index))
	for id, idx := range g.index {
		degree := 0
		for _, ei := range g.out[idx] {
			if e := g.edges[ei]; e.alive && g.nodes[e.to].alive {
				degree++
			}
		}
		for _, ei := range g.in[idx] {
			if e := g.edges[ei]; e.alive && g.nodes[e.from].alive {
				degree++
			}
		}
		if degree > 0 {
			entries = append(entries, entry{id: id, degree: degree})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].degree != entries[j].degree {
			return entries[i].degree > entries[j].degree
		}
		return entries[i].id < entries[j].id
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// NodeCount returns the number of alive nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// EdgeCount returns the number of alive edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, e := range g.edges {
		if e.alive && g.nodes[e.from].alive && g.nodes[e.to].alive {
			count++
		}
	}
	return count
}
