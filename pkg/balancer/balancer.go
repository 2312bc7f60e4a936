// Package balancer implements the two-phase placement algorithm: a
// policy-balancing pass that pins instances whose service forbids
// rebalancing to their current node, followed by a node-balancing pass
// that places every other requested instance onto the best available
// (node, runtime) pair, then fans out network parameter updates and
// dispatches the result to every node.
package balancer

import (
	"sort"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/node"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// InstanceManager is the subset of pkg/instancemgr.Manager the balancer drives.
type InstanceManager interface {
	AddInstanceToStash(ident types.InstanceIdent, request types.RunInstanceRequest) (instance.Instance, error)
	SubmitStash() error
	ActiveInstances() []instance.Instance
	StashedInstances() []instance.Instance
}

// NodeManager is the subset of pkg/nodemgr.Manager the balancer drives.
type NodeManager interface {
	GetConnectedNodes() []*node.Node
	Get(nodeID string) (*node.Node, bool)
	All() []*node.Node
}

// NodeConfigProvider resolves per-node tunables.
type NodeConfigProvider interface {
	GetNodeConfig(nodeID string, nodeType types.NodeType) (types.NodeConfig, error)
}

// MonitoringProvider resolves the last averaged monitoring snapshot for a node.
type MonitoringProvider interface {
	GetAverageMonitoring(nodeID string) (types.NodeMonitoringData, error)
}

// ImageIndexProvider resolves the ordered manifest list for an item version.
type ImageIndexProvider interface {
	LoadImageIndex(itemID, version string) ([]types.Digest, error)
}

// SubjectProvider reports whether a subject is currently enabled.
type SubjectProvider interface {
	IsEnabled(subjectID string) bool
}

// NetworkManager is the subset of pkg/netadapter.NetworkManager the
// balancer drives after placement, before dispatch.
type NetworkManager interface {
	PrepareInstanceNetworkParameters(ident types.InstanceIdent, providerID, nodeID string, data types.NetworkServiceData) error
	RemoveInstanceNetworkParameters(ident types.InstanceIdent, nodeID string) error
	UpdateProviderNetwork(providerIDs []string, nodeID string) error
	RestartDNSServer() error
}

// Balancer orchestrates one RunInstances cycle over the collaborators above.
type Balancer struct {
	instanceMgr InstanceManager
	nodeMgr     NodeManager
	nodeConfigs NodeConfigProvider
	monitoring  MonitoringProvider
	imageIndex  ImageIndexProvider
	imageInfo   instance.ImageInfoProvider
	subjects    SubjectProvider
	network     NetworkManager
	logger      zerolog.Logger
}

// New wires a Balancer from its collaborators.
func New(
	instanceMgr InstanceManager,
	nodeMgr NodeManager,
	nodeConfigs NodeConfigProvider,
	monitoring MonitoringProvider,
	imageIndex ImageIndexProvider,
	imageInfo instance.ImageInfoProvider,
	subjects SubjectProvider,
	network NetworkManager,
) *Balancer {
	return &Balancer{
		instanceMgr: instanceMgr,
		nodeMgr:     nodeMgr,
		nodeConfigs: nodeConfigs,
		monitoring:  monitoring,
		imageIndex:  imageIndex,
		imageInfo:   imageInfo,
		subjects:    subjects,
		network:     network,
		logger:      log.WithComponent("balancer"),
	}
}

// nodeContext bundles a Node with the config resolved for it this cycle,
// so placement math doesn't re-fetch config per candidate.
type nodeContext struct {
	n      *node.Node
	config types.NodeConfig
}

// RunInstances runs one placement cycle over requests. rebalancing enables
// phase 1 (policy-pinned placements) before phase 2 (node balancing).
func (b *Balancer) RunInstances(requests []types.RunInstanceRequest, rebalancing bool) error {
	nodeContexts := b.prepareNodes(rebalancing)

	scheduled := make(map[types.InstanceIdent]bool)

	if rebalancing {
		b.runPolicyBalancing(requests, nodeContexts, scheduled)
	}

	b.runNodeBalancing(requests, nodeContexts, scheduled)

	if err := b.updateNetwork(); err != nil {
		b.logger.Error().Err(err).Msg("network update failed")
	}

	return b.dispatch(nodeContexts)
}

func (b *Balancer) prepareNodes(rebalancing bool) map[string]*nodeContext {
	contexts := make(map[string]*nodeContext)
	for _, n := range b.nodeMgr.GetConnectedNodes() {
		info := n.Info()

		cfg, err := b.nodeConfigs.GetNodeConfig(info.NodeID, info.NodeType)
		if err != nil && !aoserrors.Is(err, aoserrors.KindNotFound) {
			b.logger.Warn().Err(err).Str("node_id", info.NodeID).Msg("failed to load node config, using defaults")
		}

		mon, err := b.monitoring.GetAverageMonitoring(info.NodeID)
		if err != nil && !aoserrors.Is(err, aoserrors.KindNotFound) {
			b.logger.Warn().Err(err).Str("node_id", info.NodeID).Msg("failed to load node monitoring, assuming none")
		}

		n.PrepareForBalancing(rebalancing, cfg, mon)
		contexts[info.NodeID] = &nodeContext{n: n, config: cfg}
	}
	return contexts
}

// runPolicyBalancing pins instances of Disabled-policy services to their
// current node, regardless of fit elsewhere.
func (b *Balancer) runPolicyBalancing(requests []types.RunInstanceRequest, nodes map[string]*nodeContext, scheduled map[types.InstanceIdent]bool) {
	active := b.instanceMgr.ActiveInstances()

	for _, req := range requests {
		for i := uint64(0); i < req.NumInstances; i++ {
			ident := instanceIdent(req, i)

			inst := findInstance(active, ident)
			if inst == nil {
				continue
			}
			info := inst.Info()
			if info.NodeID == "" {
				continue
			}

			ctx, ok := nodes[info.NodeID]
			if !ok {
				continue
			}

			svcConfig, err := b.imageInfo.LoadServiceConfig(info.ManifestDigest)
			if err != nil {
				inst.SetError(err)
				continue
			}
			if svcConfig.BalancingPolicy != types.BalancingPolicyDisabled {
				continue // phase 2 will place it
			}

			reqCPU := inst.GetRequestedCPU(ctx.config, svcConfig)
			reqRAM := inst.GetRequestedRAM(ctx.config, svcConfig)

			reservation, err := ctx.n.ReserveResources(ident, info.RuntimeID, reqCPU, reqRAM, resourceNames(svcConfig.Resources))
			if err != nil {
				inst.SetError(err)
				continue
			}
			reservation.Commit()

			stashed, err := b.instanceMgr.AddInstanceToStash(ident, req)
			if err != nil {
				reservation.Rollback()
				continue
			}
			if err := stashed.Schedule(stashed.Info(), info.NodeID); err != nil {
				b.logger.Error().Err(err).Str("instance", ident.String()).Msg("failed to schedule policy-pinned instance")
				continue
			}
			scheduled[ident] = true
		}
	}
}

// runNodeBalancing places every instance not already scheduled by phase 1.
func (b *Balancer) runNodeBalancing(requests []types.RunInstanceRequest, nodes map[string]*nodeContext, scheduled map[types.InstanceIdent]bool) {
	sorted := sortedRequests(requests)

	for _, req := range sorted {
		for i := uint64(0); i < req.NumInstances; i++ {
			ident := instanceIdent(req, i)
			if scheduled[ident] {
				continue
			}

			inst, err := b.instanceMgr.AddInstanceToStash(ident, req)
			if err != nil {
				b.logger.Error().Err(err).Str("instance", ident.String()).Msg("failed to stash instance")
				continue
			}

			if !b.subjects.IsEnabled(req.SubjectInfo.SubjectID) {
				_ = inst.Cache(true)
				continue
			}

			if b.placeOnBestManifest(req, inst, nodes) {
				scheduled[ident] = true
				continue
			}
		}
	}
}

// placeOnBestManifest tries every manifest for req's item in declaration
// order, returning true on the first one that places successfully.
func (b *Balancer) placeOnBestManifest(req types.RunInstanceRequest, inst instance.Instance, nodes map[string]*nodeContext) bool {
	manifests, err := b.imageIndex.LoadImageIndex(req.ItemID, req.Version)
	if err != nil {
		inst.SetError(err)
		return false
	}

	var lastErr error
	for _, digest := range manifests {
		svcConfig, err := b.imageInfo.LoadServiceConfig(digest)
		if err != nil {
			lastErr = err
			continue
		}
		imgConfig, err := b.imageInfo.LoadImageConfig(digest)
		if err != nil {
			lastErr = err
			continue
		}

		candidate, runtime, ok := selectCandidate(nodes, req, inst, svcConfig, imgConfig)
		if !ok {
			lastErr = aoserrors.New(aoserrors.KindNoMemory, "no node/runtime satisfies placement constraints")
			continue
		}

		reqCPU := inst.GetRequestedCPU(candidate.config, svcConfig)
		reqRAM := inst.GetRequestedRAM(candidate.config, svcConfig)
		if monitored := inst.MonitoringData(); candidate.n.NeedsBalancing() && monitored.CPUDMIPS > reqCPU {
			reqCPU = monitored.CPUDMIPS
		}

		reservation, err := candidate.n.ReserveResources(inst.Ident(), runtime.RuntimeID, reqCPU, reqRAM, resourceNames(svcConfig.Resources))
		if err != nil {
			lastErr = err
			continue
		}

		info := inst.Info()
		info.ManifestDigest = digest
		info.RuntimeID = runtime.RuntimeID
		if err := inst.Schedule(info, candidate.n.Info().NodeID); err != nil {
			reservation.Rollback()
			lastErr = err
			continue
		}
		reservation.Commit()
		return true
	}

	if lastErr != nil {
		_ = inst.SetError(lastErr)
	}
	return false
}

// selectCandidate runs the static-resource filter, then the
// runtime/CPU/RAM/max-instance filter, then the priority and
// available-capacity tie-break, returning the winning node and runtime.
func selectCandidate(nodes map[string]*nodeContext, req types.RunInstanceRequest, inst instance.Instance, svcConfig instance.ServiceConfig, imgConfig instance.ImageConfig) (*nodeContext, types.Runtime, bool) {
	type pair struct {
		ctx *nodeContext
		rt  types.Runtime
	}

	var staticOK []*nodeContext
	for _, ctx := range nodes {
		info := ctx.n.Info()
		if !hasAllLabels(info.Labels, req.Labels) {
			continue
		}
		if !hasAllResources(info.Resources, svcConfig.Resources) {
			continue
		}
		staticOK = append(staticOK, ctx)
	}

	var pairs []pair
	for _, ctx := range staticOK {
		for _, rt := range ctx.n.Runtimes() {
			if !runtimeMatches(rt, svcConfig, imgConfig) {
				continue
			}

			reqCPU := inst.GetRequestedCPU(ctx.config, svcConfig)
			reqRAM := inst.GetRequestedRAM(ctx.config, svcConfig)
			if monitored := inst.MonitoringData(); ctx.n.NeedsBalancing() && monitored.CPUDMIPS > reqCPU {
				reqCPU = monitored.CPUDMIPS
			}

			if ctx.n.RuntimeAvailableCPU(rt) < reqCPU {
				continue
			}
			if ctx.n.RuntimeAvailableRAM(rt) < reqRAM {
				continue
			}
			if !ctx.n.RuntimeHasInstanceSlot(rt) {
				continue
			}

			pairs = append(pairs, pair{ctx: ctx, rt: rt})
		}
	}

	if len(pairs) == 0 {
		return nil, types.Runtime{}, false
	}

	topPriority := pairs[0].ctx.n.Info().Priority
	for _, p := range pairs {
		if p.ctx.n.Info().Priority > topPriority {
			topPriority = p.ctx.n.Info().Priority
		}
	}
	filtered := pairs[:0]
	for _, p := range pairs {
		if p.ctx.n.Info().Priority == topPriority {
			filtered = append(filtered, p)
		}
	}
	pairs = filtered

	sort.SliceStable(pairs, func(i, j int) bool {
		ni, nj := pairs[i].ctx.n, pairs[j].ctx.n
		if ni.AvailableCPU() != nj.AvailableCPU() {
			return ni.AvailableCPU() > nj.AvailableCPU()
		}
		return ni.AvailableRAM() > nj.AvailableRAM()
	})

	best := pairs[0].ctx.n
	var runtimes []types.Runtime
	for _, p := range pairs {
		if p.ctx.n == best {
			runtimes = append(runtimes, p.rt)
		}
	}
	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i].RuntimeType < runtimes[j].RuntimeType })

	var bestCtx *nodeContext
	for _, p := range pairs {
		if p.ctx.n == best {
			bestCtx = p.ctx
			break
		}
	}

	return bestCtx, runtimes[0], true
}

func runtimeMatches(rt types.Runtime, svcConfig instance.ServiceConfig, imgConfig instance.ImageConfig) bool {
	if !contains(svcConfig.Runtimes, rt.RuntimeType) {
		return false
	}
	if rt.OS != imgConfig.OS || rt.Architecture != imgConfig.Architecture {
		return false
	}
	if imgConfig.Variant != "" && rt.Variant != imgConfig.Variant {
		return false
	}
	if imgConfig.OSVersion != "" && rt.OSVersion != imgConfig.OSVersion {
		return false
	}
	if !subsetOf(imgConfig.OSFeatures, rt.OSFeatures) {
		return false
	}
	return true
}

func hasAllLabels(nodeLabels []string, required map[string]string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(nodeLabels))
	for _, l := range nodeLabels {
		set[l] = true
	}
	for k := range required {
		if !set[k] {
			return false
		}
	}
	return true
}

func hasAllResources(nodeResources []types.SharedResource, required []types.SharedResource) bool {
	for _, req := range required {
		found := false
		for _, have := range nodeResources {
			if have.Name == req.Name && have.SharedCount > 0 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func resourceNames(resources []types.SharedResource) []string {
	names := make([]string, len(resources))
	for i, r := range resources {
		names[i] = r.Name
	}
	return names
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func subsetOf(required, available []string) bool {
	for _, r := range required {
		if !contains(available, r) {
			return false
		}
	}
	return true
}

func instanceIdent(req types.RunInstanceRequest, index uint64) types.InstanceIdent {
	return types.InstanceIdent{
		ItemID:        req.ItemID,
		SubjectID:     req.SubjectInfo.SubjectID,
		InstanceIndex: index,
		Type:          req.UpdateItemType,
	}
}

func sortedRequests(requests []types.RunInstanceRequest) []types.RunInstanceRequest {
	sorted := append([]types.RunInstanceRequest(nil), requests...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ItemID < sorted[j].ItemID
	})
	return sorted
}

func findInstance(instances []instance.Instance, ident types.InstanceIdent) instance.Instance {
	for _, inst := range instances {
		if inst.Ident().Equal(ident) {
			return inst
		}
	}
	return nil
}

// updateNetwork runs the four-step network update pass (§ Network update)
// against the instance manager's freshly-built stash, read before
// dispatch submits it: instances dropped from the stash get their network
// parameters torn down, every node's provider-network membership is
// refreshed, every stashed instance gets its parameters (re)prepared in
// two passes (exposed-ports-bearing images first, per spec), then DNS
// is restarted once for the whole cycle.
func (b *Balancer) updateNetwork() error {
	previous := b.instanceMgr.ActiveInstances()
	stash := b.instanceMgr.StashedInstances()

	stashed := make(map[types.InstanceIdent]bool, len(stash))
	for _, inst := range stash {
		stashed[inst.Ident()] = true
	}

	for _, inst := range previous {
		if stashed[inst.Ident()] {
			continue
		}
		info := inst.Info()
		if info.NodeID == "" {
			continue
		}
		if err := b.network.RemoveInstanceNetworkParameters(inst.Ident(), info.NodeID); err != nil {
			b.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("remove network parameters failed")
		}
	}

	providersByNode := make(map[string]map[string]bool)
	for _, inst := range stash {
		info := inst.Info()
		if info.NodeID == "" {
			continue
		}
		if providersByNode[info.NodeID] == nil {
			providersByNode[info.NodeID] = make(map[string]bool)
		}
		providersByNode[info.NodeID][info.ItemID] = true
	}

	for nodeID, providers := range providersByNode {
		ids := make([]string, 0, len(providers))
		for id := range providers {
			ids = append(ids, id)
		}
		if err := b.network.UpdateProviderNetwork(ids, nodeID); err != nil {
			return err
		}
	}

	var withPorts, withoutPorts []instance.Instance
	exposedByIdent := make(map[types.InstanceIdent][]string, len(stash))
	for _, inst := range stash {
		info := inst.Info()
		if info.NodeID == "" || info.ManifestDigest == "" {
			continue
		}
		imgConfig, err := b.imageInfo.LoadImageConfig(info.ManifestDigest)
		if err != nil {
			b.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("load image config for network update failed")
			continue
		}
		exposedByIdent[inst.Ident()] = imgConfig.ExposedPorts
		if len(imgConfig.ExposedPorts) > 0 {
			withPorts = append(withPorts, inst)
		} else {
			withoutPorts = append(withoutPorts, inst)
		}
	}

	for _, pass := range [][]instance.Instance{withPorts, withoutPorts} {
		for _, inst := range pass {
			info := inst.Info()

			svcConfig, err := b.imageInfo.LoadServiceConfig(info.ManifestDigest)
			if err != nil {
				b.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("load service config for network update failed")
				continue
			}

			var hosts []string
			if svcConfig.Hostname != "" {
				hosts = []string{svcConfig.Hostname}
			}

			data := types.NetworkServiceData{
				ExposedPorts:       exposedByIdent[inst.Ident()],
				AllowedConnections: svcConfig.AllowedConnections,
				Hosts:              hosts,
			}
			if err := b.network.PrepareInstanceNetworkParameters(inst.Ident(), info.ItemID, info.NodeID, data); err != nil {
				b.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("prepare network parameters failed")
			}
		}
	}

	return b.network.RestartDNSServer()
}

// dispatch submits the stash and sends each node its scheduled/running delta.
func (b *Balancer) dispatch(nodes map[string]*nodeContext) error {
	if err := b.instanceMgr.SubmitStash(); err != nil {
		return err
	}

	active := b.instanceMgr.ActiveInstances()
	scheduledByNode := make(map[string][]types.InstanceIdent)
	for _, inst := range active {
		info := inst.Info()
		if info.NodeID == "" {
			continue
		}
		scheduledByNode[info.NodeID] = append(scheduledByNode[info.NodeID], info.InstanceIdent)
	}

	for nodeID, ctx := range nodes {
		if err := ctx.n.SendScheduledInstances(scheduledByNode[nodeID], ctx.n.RunningInstances()); err != nil {
			b.logger.Error().Err(err).Str("node_id", nodeID).Msg("dispatch failed")
		}
	}

	return nil
}
