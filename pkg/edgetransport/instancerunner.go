package edgetransport

import (
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// LoggingInstanceRunner satisfies pkg/node.InstanceRunner by logging the
// stop/start delta a node was just sent. Actually executing instances is
// delegated to the node's own runtime over a transport spec.md places out
// of scope (§1); a real deployment replaces this with that transport's
// client behind the same interface.
type LoggingInstanceRunner struct {
	logger zerolog.Logger
}

// NewLoggingInstanceRunner builds a runner scoped to nodeID's logs.
func NewLoggingInstanceRunner(nodeID string) *LoggingInstanceRunner {
	return &LoggingInstanceRunner{logger: log.WithNodeID(nodeID)}
}

// UpdateInstances satisfies pkg/node.InstanceRunner.
func (r *LoggingInstanceRunner) UpdateInstances(nodeID string, stop, start []types.InstanceIdent) error {
	r.logger.Info().
		Int("stop_count", len(stop)).
		Int("start_count", len(start)).
		Msg("dispatch delta (no transport bound; logging only)")
	return nil
}
