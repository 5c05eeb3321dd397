// Package consistenthash implements a Ketama-style consistent hash ring
// mapping opaque keys onto a set of nodes: sorted points, binary search
// for the successor, single-writer rebuild, MD5/128-bit point generation
// for cross-client ring compatibility.
package consistenthash

import (
	"crypto/md5" //nolint:gosec // required for Ketama cross-client compatibility, not a security use
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// DefaultReplicas is the default number of replica indices hashed per node;
// each replica's MD5 digest yields four ring points, so a node gets
// 4*DefaultReplicas (640) points.
const DefaultReplicas = 160

// Node is anything that can be placed on the ring. Identity is String().
type Node interface {
	String() string
}

type point struct {
	hash uint32
	node Node
}

// HashRing is a Ketama consistent hash ring. The zero value is not usable;
// use New. A HashRing is safe for concurrent use: reads observe an
// atomically swapped immutable snapshot of the ring built by Add/Remove
// under a single writer lock.
type HashRing struct {
	replicas int

	mu     sync.Mutex // serializes writers (Add/Remove/Rebuild)
	points []point     // sorted ascending by hash, read under snapshot
	nodes  map[string]Node
}

// New returns an empty HashRing using DefaultReplicas virtual points.
func New() *HashRing {
	return NewWithReplicas(DefaultReplicas)
}

// NewWithReplicas returns an empty HashRing with a custom replica count.
// A count below 100 is replaced by DefaultReplicas; counts of 100 or more
// are used as given.
func NewWithReplicas(replicas int) *HashRing {
	if replicas < 100 {
		replicas = DefaultReplicas
	}
	return &HashRing{
		replicas: replicas,
		nodes:    make(map[string]Node),
	}
}

// Add inserts node into the ring (or replaces it if already present) and
// rebuilds the ring atomically.
func (h *HashRing) Add(node Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nodes[node.String()] = node
	h.rebuildLocked()
}

// Remove deletes node from the ring, if present, and rebuilds atomically.
func (h *HashRing) Remove(node Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.nodes, node.String())
	h.rebuildLocked()
}

// SetNodes atomically replaces the full node set in one rebuild.
func (h *HashRing) SetNodes(nodes []Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nodes = make(map[string]Node, len(nodes))
	for _, n := range nodes {
		h.nodes[n.String()] = n
	}
	h.rebuildLocked()
}

// rebuildLocked regenerates the sorted point table: O(N*V) in the number of
// nodes N and virtual points V.
func (h *HashRing) rebuildLocked() {
	points := make([]point, 0, len(h.nodes)*h.replicas)
	for repr, node := range h.nodes {
		for i := 0; i < h.replicas; i++ {
			key := fmt.Sprintf("%s-%d", repr, i)
			for _, h32 := range md5FourUint32(key) {
				points = append(points, point{hash: h32, node: node})
			}
		}
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].hash != points[j].hash {
			return points[i].hash < points[j].hash
		}
		// Tie-break on exact hash collision: lexicographically first
		// address string wins, per spec.
		return points[i].node.String() < points[j].node.String()
	})

	h.points = points
}

// md5FourUint32 hashes data with MD5 and slices the 16-byte digest into
// four little-endian uint32 values, the classic Ketama point-generation
// trick: one MD5 computation yields four virtual points.
func md5FourUint32(data string) [4]uint32 {
	sum := md5.Sum([]byte(data)) //nolint:gosec
	var out [4]uint32
	for i := 0; i < 4; i++ {
		out[i] = binary.LittleEndian.Uint32(sum[i*4 : i*4+4])
	}
	return out
}

// hash32 is the per-key hash used to locate a position on the ring. Ketama
// conventionally reuses MD5 for this step too, truncated to 32 bits.
func hash32(key []byte) uint32 {
	sum := md5.Sum(key) //nolint:gosec
	return binary.LittleEndian.Uint32(sum[0:4])
}

// PickNode returns the node owning key, deterministically, for a fixed node
// set. Returns false if the ring is empty.
func (h *HashRing) PickNode(key []byte) (Node, bool) {
	h.mu.Lock()
	points := h.points
	h.mu.Unlock()

	if len(points) == 0 {
		return nil, false
	}

	hk := hash32(key)
	idx := sort.Search(len(points), func(i int) bool {
		return points[i].hash >= hk
	})
	if idx == len(points) {
		idx = 0 // wrap around the ring
	}
	return points[idx].node, true
}

// PickNodes groups keys by destination node, preserving the input order of
// keys within each group.
func (h *HashRing) PickNodes(keys [][]byte) (map[Node][][]byte, error) {
	h.mu.Lock()
	points := h.points
	h.mu.Unlock()

	if len(points) == 0 {
		return nil, ErrNoNodes
	}

	out := make(map[Node][][]byte)
	for _, key := range keys {
		hk := hash32(key)
		idx := sort.Search(len(points), func(i int) bool {
			return points[i].hash >= hk
		})
		if idx == len(points) {
			idx = 0
		}
		node := points[idx].node
		out[node] = append(out[node], key)
	}
	return out, nil
}

// Nodes returns all distinct nodes currently on the ring.
func (h *HashRing) Nodes() []Node {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Node, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n)
	}
	return out
}

// Len returns the number of distinct nodes on the ring.
func (h *HashRing) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes)
}

// ErrNoNodes is returned by PickNodes when the ring is empty.
var ErrNoNodes = fmt.Errorf("consistenthash: no nodes on ring")
