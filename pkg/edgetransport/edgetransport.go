// Package edgetransport adapts the cloud/node-facing boundary interfaces
// (pkg/launcher.NodeInfoProvider/AlertsProvider/IdentProvider,
// pkg/balancer.NodeConfigProvider/MonitoringProvider,
// pkg/imagemanager.BlobInfoProvider/Downloader/ImageHandler,
// pkg/node.InstanceRunner) for standalone operation: a config-file-backed
// node/subject registry in place of the cloud catalog client, a real
// net/http blob downloader, and a real gzip layer decompressor. None of
// this talks to an actual cloud control plane — spec.md places that wire
// protocol out of scope — but the registry is live config, not a fake, so
// cmd/launcher boots and places instances against it end to end.
package edgetransport

import (
	"sync"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/types"
)

// Config is the on-disk description of the node pool and subject list an
// edge deployment starts with, loaded alongside cmd/launcher's main config.
type Config struct {
	Nodes      []types.NodeInfo        `yaml:"nodes"`
	NodeConfig types.NodeConfig        `yaml:"nodeConfig"` // applied to every node; spec.md has no per-node override source yet
	Subjects   []types.SubjectInfo     `yaml:"subjects"`
	BlobURLs   map[types.Digest]string `yaml:"blobUrls"` // digest -> download URL
}

// registry is the shared state every *Provider view in this package reads.
// Go forbids two methods of the same name on one receiver, so
// NodeInfoProvider.SubscribeListener, IdentProvider.SubscribeListener and
// AlertsProvider.SubscribeListener each need their own named method on
// their own type; all three types share one *registry underneath.
type registry struct {
	mu  sync.RWMutex
	cfg Config
}

// Registries bundles the three independently-typed views over one Config,
// plus the node-config/monitoring lookups, all backed by the same state.
type Registries struct {
	Nodes      *NodeInfoRegistry
	Idents     *IdentRegistry
	Alerts     *AlertsRegistry
	NodeConfig *NodeConfigRegistry
	Monitoring *MonitoringRegistry
}

// NewRegistries seeds every view from cfg.
func NewRegistries(cfg Config) *Registries {
	r := &registry{cfg: cfg}
	return &Registries{
		Nodes:      &NodeInfoRegistry{r: r},
		Idents:     &IdentRegistry{r: r},
		Alerts:     &AlertsRegistry{r: r},
		NodeConfig: &NodeConfigRegistry{r: r},
		Monitoring: &MonitoringRegistry{r: r},
	}
}

// NodeInfoRegistry satisfies pkg/launcher.NodeInfoProvider.
type NodeInfoRegistry struct{ r *registry }

func (v *NodeInfoRegistry) GetAllNodeIDs() ([]string, error) {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()

	ids := make([]string, len(v.r.cfg.Nodes))
	for i, n := range v.r.cfg.Nodes {
		ids[i] = n.NodeID
	}
	return ids, nil
}

func (v *NodeInfoRegistry) GetNodeInfo(nodeID string) (types.NodeInfo, error) {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()

	for _, n := range v.r.cfg.Nodes {
		if n.NodeID == nodeID {
			return n, nil
		}
	}
	return types.NodeInfo{}, aoserrors.New(aoserrors.KindNotFound, "node "+nodeID+" not configured")
}

// SubscribeListener satisfies the interface; a config-backed registry has
// no async node-info feed to deliver, so there is nothing to notify.
func (v *NodeInfoRegistry) SubscribeListener(l interface {
	OnNodeInfoChanged(info types.NodeInfo, removed bool)
}) {
}

func (v *NodeInfoRegistry) UnsubscribeListener(l interface {
	OnNodeInfoChanged(info types.NodeInfo, removed bool)
}) {
}

// IdentRegistry satisfies pkg/launcher.IdentProvider.
type IdentRegistry struct{ r *registry }

func (v *IdentRegistry) GetSubjects() ([]types.SubjectInfo, error) {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	out := make([]types.SubjectInfo, len(v.r.cfg.Subjects))
	copy(out, v.r.cfg.Subjects)
	return out, nil
}

func (v *IdentRegistry) SubscribeListener(l interface {
	OnSubjectsChanged(subjects []types.SubjectInfo)
}) {
}

// AlertsRegistry satisfies pkg/launcher.AlertsProvider. Standalone mode
// never observes a SystemQuotaAlert crossing, so Subscribe has nothing to
// deliver through it.
type AlertsRegistry struct{ r *registry }

func (v *AlertsRegistry) SubscribeListener(tags []string, l interface {
	OnAlertReceived(alert types.QuotaAlert)
}) {
}

func (v *AlertsRegistry) UnsubscribeListener(l interface {
	OnAlertReceived(alert types.QuotaAlert)
}) {
}

// NodeConfigRegistry satisfies pkg/balancer.NodeConfigProvider. Every node
// shares the one configured NodeConfig; spec.md has no per-node override
// source, and the config file gives an operator a place to add one later.
type NodeConfigRegistry struct{ r *registry }

func (v *NodeConfigRegistry) GetNodeConfig(nodeID string, nodeType types.NodeType) (types.NodeConfig, error) {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	return v.r.cfg.NodeConfig, nil
}

// MonitoringRegistry satisfies pkg/balancer.MonitoringProvider and
// pkg/launcher.MonitoringProvider. No monitoring feed is wired in
// standalone mode, so every node reports NotFound ("no data yet"), which
// callers are required to tolerate per spec.md's MonitoringProviderItf
// contract.
type MonitoringRegistry struct{ r *registry }

func (v *MonitoringRegistry) GetAverageMonitoring(nodeID string) (types.NodeMonitoringData, error) {
	return types.NodeMonitoringData{}, aoserrors.New(aoserrors.KindNotFound, "no monitoring data for "+nodeID)
}
