// Package nodemgr holds the set of connected Node views the balancer
// iterates over: it applies node-info change notifications (additions,
// removals, online/provisioned transitions) and exposes the eligible
// subset in the balancer's fixed iteration order.
package nodemgr

import (
	"sort"
	"sync"

	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/node"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// NodeFactory constructs a node.Node view for a newly-seen NodeInfo.
type NodeFactory interface {
	NewNode(info types.NodeInfo) *node.Node
}

// Manager holds every known Node view keyed by nodeID.
type Manager struct {
	mu      sync.RWMutex
	nodes   map[string]*node.Node
	factory NodeFactory
	logger  zerolog.Logger
}

// New creates an empty Manager.
func New(factory NodeFactory) *Manager {
	return &Manager{
		nodes:   make(map[string]*node.Node),
		factory: factory,
		logger:  log.WithComponent("nodemgr"),
	}
}

// OnNodeInfoChanged applies a single node-info change notification:
// creation, static-field update, or removal when info.NodeID is no longer
// reported.
func (m *Manager) OnNodeInfoChanged(info types.NodeInfo, removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if removed {
		delete(m.nodes, info.NodeID)
		m.logger.Info().Str("node_id", info.NodeID).Msg("node removed")
		return
	}

	if n, ok := m.nodes[info.NodeID]; ok {
		n.SetInfo(info)
		return
	}

	m.nodes[info.NodeID] = m.factory.NewNode(info)
	m.logger.Info().Str("node_id", info.NodeID).Msg("node added")
}

// Get returns the Node view for nodeID, if known.
func (m *Manager) Get(nodeID string) (*node.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	return n, ok
}

// GetConnectedNodes returns every Online+Provisioned node, sorted by
// (priority desc, nodeID asc) — the balancer's primary iteration order.
func (m *Manager) GetConnectedNodes() []*node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eligible := make([]*node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		info := n.Info()
		if info.Online && info.Provisioned {
			eligible = append(eligible, n)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].Info(), eligible[j].Info()
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.NodeID < b.NodeID
	})

	return eligible
}

// All returns every known node regardless of eligibility, used for
// dispatch fan-out which must reach offline nodes too (to drain stop lists).
func (m *Manager) All() []*node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		all = append(all, n)
	}
	return all
}
