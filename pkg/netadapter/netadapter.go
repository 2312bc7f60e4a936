// Package netadapter implements the launcher's NetworkManagerItf
// collaborator: bookkeeping for which network parameters (exposed ports,
// allowed connections, hostnames) are assigned to which instance, and
// which provider networks each node currently needs. The actual
// CNI/bridge/iptables/DNS mechanics behind these calls are an external
// collaborator this core never reaches into directly.
package netadapter

import (
	"sync"

	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// NetworkManager tracks per-instance network parameter assignments and
// per-node provider network membership.
type NetworkManager struct {
	mu        sync.Mutex
	assigned  map[types.InstanceIdent]assignment
	providers map[string][]string // nodeID -> provider ids currently required there
	logger    zerolog.Logger
}

type assignment struct {
	providerID string
	nodeID     string
	data       types.NetworkServiceData
}

// New creates an empty NetworkManager.
func New() *NetworkManager {
	return &NetworkManager{
		assigned:  make(map[types.InstanceIdent]assignment),
		providers: make(map[string][]string),
		logger:    log.WithComponent("netadapter"),
	}
}

// PrepareInstanceNetworkParameters records the network parameters the
// balancer assigned to ident for dispatch to nodeID.
func (n *NetworkManager) PrepareInstanceNetworkParameters(ident types.InstanceIdent, providerID, nodeID string, data types.NetworkServiceData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.assigned[ident] = assignment{providerID: providerID, nodeID: nodeID, data: data}

	n.logger.Debug().
		Str("instance", ident.String()).
		Str("node_id", nodeID).
		Str("provider_id", providerID).
		Int("exposed_ports", len(data.ExposedPorts)).
		Msg("instance network parameters prepared")

	return nil
}

// RemoveInstanceNetworkParameters drops ident's assignment once it is no
// longer in the stash, freeing nodeID's provider-network membership for
// recomputation on the next UpdateProviderNetwork call.
func (n *NetworkManager) RemoveInstanceNetworkParameters(ident types.InstanceIdent, nodeID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.assigned, ident)

	n.logger.Debug().Str("instance", ident.String()).Str("node_id", nodeID).Msg("instance network parameters removed")

	return nil
}

// UpdateProviderNetwork records the set of provider network ids that must
// be reachable from nodeID given its current stash.
func (n *NetworkManager) UpdateProviderNetwork(providerIDs []string, nodeID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.providers[nodeID] = append([]string(nil), providerIDs...)

	n.logger.Debug().Str("node_id", nodeID).Int("providers", len(providerIDs)).Msg("provider network set updated")

	return nil
}

// RestartDNSServer is a no-op bookkeeping hook: DNS mechanics are an
// external collaborator this core never implements directly.
func (n *NetworkManager) RestartDNSServer() error {
	n.logger.Debug().Msg("dns server restart requested")
	return nil
}

// ProviderNetworksFor returns the provider ids currently assigned to nodeID,
// used by tests and diagnostics.
func (n *NetworkManager) ProviderNetworksFor(nodeID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.providers[nodeID]...)
}
