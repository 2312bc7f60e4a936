package edgetransport

import (
	"github.com/cuemby/aoslauncher/pkg/node"
	"github.com/cuemby/aoslauncher/pkg/types"
)

// NodeFactory satisfies pkg/nodemgr.NodeFactory: each newly-seen node gets
// its own LoggingInstanceRunner.
type NodeFactory struct{}

// NewNode satisfies pkg/nodemgr.NodeFactory.
func (NodeFactory) NewNode(info types.NodeInfo) *node.Node {
	return node.New(info, NewLoggingInstanceRunner(info.NodeID))
}
