// Package hnsw implements the per-collection proximity graph: a
// Hierarchical Navigable Small World index (Malkov & Yashunin 2018)
// with soft deletion.
//
// Nodes live in an arena addressed by dense uint32 ids; neighbor lists
// are slices of ids, never pointers, so the cyclic graph structure has
// no lifetime concerns. Deleting a node flips a tombstone bit and
// leaves its edges intact: the node stays reachable for traversal, it
// is only excluded from result sets. Tombstoned nodes are physically
// removed when the collection compacts and rebuilds the graph.
package hnsw

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/stratum/metric"
	"github.com/hupe1980/stratum/model"
)

// Options configures a Graph.
type Options struct {
	// M is the number of established connections per node per layer.
	// The base layer allows 2*M.
	M int

	// EfConstruction is the candidate-list breadth during insertion.
	EfConstruction int

	// Distance is the distance function used for all comparisons.
	Distance metric.DistanceFunc
}

// DefaultOptions are balanced defaults for most workloads.
var DefaultOptions = Options{
	M:              16,
	EfConstruction: 200,
	Distance:       metric.SquaredL2,
}

type node struct {
	vector []float32
	layer  int
	// connections[l] holds the neighbor ids at layer l, 0 <= l <= layer.
	connections [][]uint32
}

// Candidate is one scored search candidate.
type Candidate struct {
	ID       uint32
	Distance float32
}

// Graph is a tombstone-aware HNSW index. Writers are serialized;
// readers proceed concurrently. Search never mutates, so cancellation
// reduces to abandoning the traversal.
type Graph struct {
	mu sync.RWMutex

	dimension int
	m         int
	m0        int
	ml        float64

	ep       uint32
	maxLayer int

	nodes      []*node
	tombstones *bitset.BitSet
	live       int

	opts Options
}

// New creates an empty graph for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) *Graph {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		opts.M = 2
	}

	return &Graph{
		dimension:  dimension,
		m:          opts.M,
		m0:         2 * opts.M,
		ml:         1 / math.Log(float64(opts.M)),
		tombstones: bitset.New(1024),
		opts:       opts,
	}
}

// Len returns the number of nodes in the arena, tombstoned included.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Live returns the number of non-tombstoned nodes.
func (g *Graph) Live() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.live
}

// Vector returns the vector stored at id.
func (g *Graph) Vector(id uint32) ([]float32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(id) >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[id].vector, true
}

// Deleted reports whether id carries a tombstone.
func (g *Graph) Deleted(id uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return int(id) < len(g.nodes) && g.tombstones.Test(uint(id))
}

// layerCap bounds the random layer assignment. A uniform draw of
// exactly 0 would otherwise yield -log(0) = +Inf.
const layerCap = 64

func layerFor(u, ml float64) int {
	if u <= 0 {
		return layerCap
	}
	if l := int(math.Floor(-math.Log(u) * ml)); l < layerCap {
		return l
	}
	return layerCap
}

// Insert adds a vector and returns its node id. Ids are assigned
// densely in insertion order.
func (g *Graph) Insert(v []float32) (uint32, error) {
	if len(v) != g.dimension {
		return 0, model.NewValidationError("dimension mismatch: expected %d, got %d", g.dimension, len(v))
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	g.mu.Lock()
	defer g.mu.Unlock()

	id := uint32(len(g.nodes))
	layer := layerFor(rand.Float64(), g.ml)

	n := &node{
		vector:      vec,
		layer:       layer,
		connections: make([][]uint32, layer+1),
	}

	if len(g.nodes) == 0 {
		g.nodes = append(g.nodes, n)
		g.ep = id
		g.maxLayer = layer
		g.live++
		return id, nil
	}

	// Greedy descent through the layers above the new node's top layer.
	entry, entryDist := g.descend(vec, g.ep, g.maxLayer, min(layer, g.maxLayer)+1)

	// Connect on every layer the node participates in.
	for level := min(layer, g.maxLayer); level >= 0; level-- {
		results := g.searchLayer(nil, vec, entry, entryDist, g.opts.EfConstruction, level, false)

		neighbors := g.selectNeighbors(vec, results, g.m)
		n.connections[level] = neighbors

		if len(neighbors) > 0 {
			entry = neighbors[0]
			entryDist = g.opts.Distance(vec, g.nodes[entry].vector)
		}
	}

	g.nodes = append(g.nodes, n)
	g.live++

	// Link back, pruning neighbor lists that exceed the degree bound.
	for level := min(layer, g.maxLayer); level >= 0; level-- {
		for _, nb := range n.connections[level] {
			g.link(nb, id, level)
		}
	}

	if layer > g.maxLayer {
		g.ep = id
		g.maxLayer = layer
	}

	return id, nil
}

// Delete tombstones the node. The flag is terminal: it is never
// cleared, and the node's edges stay intact so traversal through it
// keeps working for its neighbors.
func (g *Graph) Delete(id uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if int(id) >= len(g.nodes) {
		return &model.NotFoundError{Kind: "node", Name: strconv.FormatUint(uint64(id), 10)}
	}
	if g.tombstones.Test(uint(id)) {
		return nil
	}
	g.tombstones.Set(uint(id))
	g.live--
	return nil
}

// Search returns up to k live candidates in ascending distance order.
// Tombstoned nodes are traversed but never returned. When tombstones
// crowd out live candidates, the frontier is widened until k live
// results are found or the live corpus is exhausted.
func (g *Graph) Search(ctx context.Context, q []float32, k, ef int) ([]Candidate, error) {
	if len(q) != g.dimension {
		return nil, model.NewValidationError("dimension mismatch: expected %d, got %d", g.dimension, len(q))
	}
	if k < 1 {
		return nil, model.NewValidationError("k must be positive, got %d", k)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.live == 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, entryDist := g.descend(q, g.ep, g.maxLayer, 1)
		results := g.searchLayer(ctx, q, entry, entryDist, ef, 0, true)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if results.Len() >= min(k, g.live) || ef >= len(g.nodes) {
			out := make([]Candidate, results.Len())
			for i := results.Len() - 1; i >= 0; i-- {
				item, _ := heap.Pop(results).(*queueItem)
				out[i] = Candidate{ID: item.node, Distance: item.distance}
			}
			if len(out) > k {
				out = out[:k]
			}
			return out, nil
		}

		// Too many tombstones in the candidate window: widen and retry.
		ef *= 2
	}
}

// descend walks greedily from ep down to (but not into) stopLayer,
// returning the closest node found and its distance. Tombstoned nodes
// participate: they are navigation waypoints, not results.
func (g *Graph) descend(q []float32, ep uint32, fromLayer, stopLayer int) (uint32, float32) {
	curr := ep
	currDist := g.opts.Distance(q, g.nodes[curr].vector)

	for level := fromLayer; level >= stopLayer; level-- {
		for changed := true; changed; {
			changed = false
			n := g.nodes[curr]
			if level >= len(n.connections) {
				continue
			}
			for _, nb := range n.connections[level] {
				d := g.opts.Distance(q, g.nodes[nb].vector)
				if d < currDist {
					curr = nb
					currDist = d
					changed = true
				}
			}
		}
	}
	return curr, currDist
}

// searchLayer is the beam search at one layer. The returned max-heap
// holds at most ef candidates; with excludeTombstones set, tombstoned
// nodes are expanded but never enter the result set.
func (g *Graph) searchLayer(ctx context.Context, q []float32, entry uint32, entryDist float32, ef, level int, excludeTombstones bool) *priorityQueue {
	visited := bitset.New(uint(len(g.nodes)))
	visited.Set(uint(entry))

	frontier := &priorityQueue{}
	heap.Init(frontier)
	heap.Push(frontier, &queueItem{node: entry, distance: entryDist})

	results := &priorityQueue{desc: true}
	heap.Init(results)
	if !excludeTombstones || !g.tombstones.Test(uint(entry)) {
		heap.Push(results, &queueItem{node: entry, distance: entryDist})
	}

	steps := 0
	for frontier.Len() > 0 {
		if ctx != nil {
			steps++
			if steps%256 == 0 && ctx.Err() != nil {
				return results
			}
		}

		curr, _ := heap.Pop(frontier).(*queueItem)
		if results.Len() >= ef && curr.distance > results.top().distance {
			break
		}

		n := g.nodes[curr.node]
		if level >= len(n.connections) {
			continue
		}
		for _, nb := range n.connections[level] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))

			d := g.opts.Distance(q, g.nodes[nb].vector)
			if results.Len() >= ef && d >= results.top().distance {
				continue
			}

			heap.Push(frontier, &queueItem{node: nb, distance: d})
			if !excludeTombstones || !g.tombstones.Test(uint(nb)) {
				heap.Push(results, &queueItem{node: nb, distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	return results
}

// selectNeighbors applies the construction heuristic: a candidate is
// kept only if it is closer to the query than to every neighbor already
// kept, which spreads edges across directions instead of clustering.
func (g *Graph) selectNeighbors(q []float32, candidates *priorityQueue, m int) []uint32 {
	asc := make([]*queueItem, 0, candidates.Len())
	for candidates.Len() > 0 {
		item, _ := heap.Pop(candidates).(*queueItem)
		asc = append(asc, item)
	}
	// Max-heap pops worst-first; reverse to ascending.
	for i, j := 0, len(asc)-1; i < j; i, j = i+1, j-1 {
		asc[i], asc[j] = asc[j], asc[i]
	}

	kept := make([]uint32, 0, m)
	var spilled []*queueItem
	for _, item := range asc {
		if len(kept) >= m {
			break
		}
		closerToKept := false
		for _, kid := range kept {
			if g.opts.Distance(g.nodes[item.node].vector, g.nodes[kid].vector) < item.distance {
				closerToKept = true
				break
			}
		}
		if closerToKept {
			spilled = append(spilled, item)
			continue
		}
		kept = append(kept, item.node)
	}

	// Backfill from the spilled candidates when the heuristic was too
	// aggressive to reach m.
	for _, item := range spilled {
		if len(kept) >= m {
			break
		}
		kept = append(kept, item.node)
	}
	return kept
}

// link adds an edge from -> to at level and prunes the neighbor list
// when it exceeds the degree bound.
func (g *Graph) link(from, to uint32, level int) {
	maxConns := g.m
	if level == 0 {
		maxConns = g.m0
	}

	n := g.nodes[from]
	if level >= len(n.connections) {
		return
	}
	n.connections[level] = append(n.connections[level], to)

	if len(n.connections[level]) <= maxConns {
		return
	}

	candidates := &priorityQueue{desc: true}
	heap.Init(candidates)
	for _, nb := range n.connections[level] {
		heap.Push(candidates, &queueItem{
			node:     nb,
			distance: g.opts.Distance(n.vector, g.nodes[nb].vector),
		})
	}
	n.connections[level] = g.selectNeighbors(n.vector, candidates, maxConns)
}

// BruteSearch scans every live node; used by tests and as a recall
// baseline for small collections.
func (g *Graph) BruteSearch(q []float32, k int) ([]Candidate, error) {
	if len(q) != g.dimension {
		return nil, model.NewValidationError("dimension mismatch: expected %d, got %d", g.dimension, len(q))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Candidate, 0, len(g.nodes))
	for id, n := range g.nodes {
		if g.tombstones.Test(uint(id)) {
			continue
		}
		out = append(out, Candidate{ID: uint32(id), Distance: g.opts.Distance(q, n.vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
