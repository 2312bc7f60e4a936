package nodemgr

import (
	"testing"

	"github.com/cuemby/aoslauncher/pkg/node"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakeRunner struct{}

func (fakeRunner) UpdateInstances(string, []types.InstanceIdent, []types.InstanceIdent) error {
	return nil
}

type factory struct{}

func (factory) NewNode(info types.NodeInfo) *node.Node {
	return node.New(info, fakeRunner{})
}

func TestOnNodeInfoChangedAddsAndRemoves(t *testing.T) {
	m := New(factory{})

	m.OnNodeInfoChanged(types.NodeInfo{NodeID: "node-1", Online: true, Provisioned: true}, false)
	_, ok := m.Get("node-1")
	assert.True(t, ok)

	m.OnNodeInfoChanged(types.NodeInfo{NodeID: "node-1"}, true)
	_, ok = m.Get("node-1")
	assert.False(t, ok)
}

func TestGetConnectedNodesFiltersAndSorts(t *testing.T) {
	m := New(factory{})
	m.OnNodeInfoChanged(types.NodeInfo{NodeID: "nodeB", Online: true, Provisioned: true, Priority: 5}, false)
	m.OnNodeInfoChanged(types.NodeInfo{NodeID: "nodeA", Online: true, Provisioned: true, Priority: 10}, false)
	m.OnNodeInfoChanged(types.NodeInfo{NodeID: "nodeC", Online: false, Provisioned: true, Priority: 20}, false)
	m.OnNodeInfoChanged(types.NodeInfo{NodeID: "nodeD", Online: true, Provisioned: true, Priority: 10}, false)

	connected := m.GetConnectedNodes()
	var ids []string
	for _, n := range connected {
		ids = append(ids, n.Info().NodeID)
	}

	assert.Equal(t, []string{"nodeA", "nodeD", "nodeB"}, ids)
}
