// Package ring provides a consistent hash ring over cluster nodes, used to
// assign partition ownership.
package ring

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/code-payments/code-coordinator/pkg/cluster"
)

// Ring is a token ring for consistent hashing.
//
// Nodes place claims along the ring in a distributed manner rather than
// consecutively, so claim changes move few keys. Construction is deterministic:
// every process that applies the same claims computes the same ring.
//
// Hashes aren't perfectly uniform, so nodes should use a high number of claims.
type Ring struct {
	hashFn func([]byte) uint64

	mu          sync.RWMutex
	ring        []uint64
	tokenOwners map[uint64]cluster.NodeID
	nodeClaims  map[cluster.NodeID]int
}

func New() *Ring {
	return &Ring{
		hashFn:      murmur3.Sum64,
		tokenOwners: make(map[uint64]cluster.NodeID),
		nodeClaims:  make(map[cluster.NodeID]int),
	}
}

// NewFromMap returns a Ring with the provided claims applied.
func NewFromMap(nodeClaims map[cluster.NodeID]int) (*Ring, error) {
	r := New()
	for node, claims := range nodeClaims {
		if err := r.SetClaims(node, claims); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetNodes replaces the ring's nodes with nodes, each holding claims claims.
func (r *Ring) SetNodes(nodes []cluster.NodeID, claims int) error {
	r.mu.RLock()
	var stale []cluster.NodeID
	for node := range r.nodeClaims {
		if !slices.Contains(nodes, node) {
			stale = append(stale, node)
		}
	}
	r.mu.RUnlock()

	for _, node := range stale {
		if err := r.SetClaims(node, 0); err != nil {
			return err
		}
	}
	for _, node := range nodes {
		if err := r.SetClaims(node, claims); err != nil {
			return err
		}
	}
	return nil
}

// SetClaims sets the number of claims for node. A target of zero removes the
// node from the ring.
func (r *Ring) SetClaims(node cluster.NodeID, target int) error {
	if node == "" {
		return fmt.Errorf("node is empty")
	}
	if target < 0 {
		return fmt.Errorf("invalid number of claims: %d", target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.nodeClaims[node]
	if target == current {
		return nil
	}

	if target > current {
		for i := current; i < target; i++ {
			r.place(r.token(node, i), node)
		}
	} else {
		for i := current - 1; i >= target; i-- {
			r.remove(r.token(node, i), node)
		}
	}

	if target == 0 {
		delete(r.nodeClaims, node)
	} else {
		r.nodeClaims[node] = target
	}

	return nil
}

func (r *Ring) token(node cluster.NodeID, i int) uint64 {
	return r.hashFn([]byte(string(node) + strconv.Itoa(i)))
}

// place must be called with r.mu held.
//
// On a token collision the lexicographically smaller node owns the token, so
// all processes agree on the owner regardless of claim order.
func (r *Ring) place(hash uint64, node cluster.NodeID) {
	if owner, exists := r.tokenOwners[hash]; exists {
		if owner > node {
			r.tokenOwners[hash] = node
		}
		return
	}

	i, _ := slices.BinarySearch(r.ring, hash)
	r.ring = slices.Insert(r.ring, i, hash)
	r.tokenOwners[hash] = node
}

// remove must be called with r.mu held.
func (r *Ring) remove(hash uint64, node cluster.NodeID) {
	if owner := r.tokenOwners[hash]; owner != node {
		// Lost the collision; the token stays with its owner.
		return
	}

	i, found := slices.BinarySearch(r.ring, hash)
	if !found {
		return
	}

	// The token may be claimed by another node that lost the collision.
	for other, claims := range r.nodeClaims {
		if other == node {
			continue
		}
		for j := 0; j < claims; j++ {
			if r.token(other, j) == hash {
				r.tokenOwners[hash] = other
				return
			}
		}
	}

	r.ring = slices.Delete(r.ring, i, i+1)
	delete(r.tokenOwners, hash)
}

// GetNode returns the owner of key, or the empty ID if the ring is empty.
func (r *Ring) GetNode(key []byte) cluster.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return ""
	}

	hash := r.hashFn(key)
	i := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})

	// Wrap around.
	if i == len(r.ring) {
		i = 0
	}

	return r.tokenOwners[r.ring[i]]
}

// PartitionOwner returns the owner of partition p.
func (r *Ring) PartitionOwner(p int) cluster.NodeID {
	return r.GetNode([]byte("partition-" + strconv.Itoa(p)))
}

// Nodes returns the nodes with at least one claim, sorted by ID.
func (r *Ring) Nodes() []cluster.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]cluster.NodeID, 0, len(r.nodeClaims))
	for node := range r.nodeClaims {
		nodes = append(nodes, node)
	}
	slices.SortFunc(nodes, func(a, b cluster.NodeID) int {
		return cmp.Compare(a, b)
	})
	return nodes
}

// Size returns the number of tokens on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ring)
}
