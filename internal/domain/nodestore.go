package domain

import (
	"sort"
	"sync"
	"time"
)

// NodeStore is the application node directory. Entries are replaced
// wholesale from directory pushes and only touched by packet traffic.
type NodeStore struct {
	mu      sync.RWMutex
	nodes   map[string]Node
	changes chan struct{}
}

func NewNodeStore() *NodeStore {
	return &NodeStore{
		nodes:   make(map[string]Node),
		changes: make(chan struct{}, 1),
	}
}

// Replace stores node, dropping everything known about it before.
func (s *NodeStore) Replace(node Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now()
	}
	s.nodes[node.NodeID] = node
	s.notify()
}

// ReplaceAll swaps the whole directory for nodes.
func (s *NodeStore) ReplaceAll(nodes []Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.nodes = make(map[string]Node, len(nodes))
	for _, node := range nodes {
		if node.UpdatedAt.IsZero() {
			node.UpdatedAt = now
		}
		s.nodes[node.NodeID] = node
	}
	s.notify()
}

// Touch records a reception from a known node: last heard time and signal
// fields change, everything else is preserved. Unknown nodes are ignored.
func (s *NodeStore) Touch(nodeID string, heardAt time.Time, snr *float64, rssi *int) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	if !heardAt.IsZero() {
		node.LastHeardAt = heardAt
	}
	if snr != nil {
		node.SNR = snr
	}
	if rssi != nil {
		node.RSSI = rssi
	}
	node.UpdatedAt = time.Now()
	s.nodes[nodeID] = node
	s.notify()

	return node, true
}

// SnapshotSorted returns all nodes, most recently heard first.
func (s *NodeStore) SnapshotSorted() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastHeardAt.Equal(out[j].LastHeardAt) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].LastHeardAt.After(out[j].LastHeardAt)
	})

	return out
}

func (s *NodeStore) Get(nodeID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]

	return node, ok
}

func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.nodes)
}

// Changes is signalled after every modification, coalescing bursts.
func (s *NodeStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *NodeStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]Node)
	s.notify()
}

func (s *NodeStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
