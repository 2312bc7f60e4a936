// Package launcher wires the instance manager, node manager and balancer
// into the top-level orchestrator: it owns the run/rebalance/update flow,
// the subscriptions to node-info, quota-alert and subject-list changes,
// and the status fan-out to the cloud.
package launcher

import (
	"sync"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/node"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// InstanceManager is the subset of pkg/instancemgr.Manager the launcher drives.
type InstanceManager interface {
	Start()
	Stop()
	ActiveInstances() []instance.Instance
	CachedInstances() []instance.Instance
	UpdateStatus(status types.InstanceStatus) error
	UpdateMonitoringData(samples []types.InstanceMonitoringData)
}

// NodeManager is the subset of pkg/nodemgr.Manager the launcher drives.
type NodeManager interface {
	OnNodeInfoChanged(info types.NodeInfo, removed bool)
	Get(nodeID string) (*node.Node, bool)
	GetConnectedNodes() []*node.Node
	All() []*node.Node
}

// Balancer is the subset of pkg/balancer.Balancer the launcher drives.
type Balancer interface {
	RunInstances(requests []types.RunInstanceRequest, rebalancing bool) error
}

// MonitoringProvider resolves the last averaged monitoring snapshot for a node.
type MonitoringProvider interface {
	GetAverageMonitoring(nodeID string) (types.NodeMonitoringData, error)
}

// NodeInfoListener receives node-info change notifications.
type NodeInfoListener interface {
	OnNodeInfoChanged(info types.NodeInfo, removed bool)
}

// NodeInfoProvider is the cloud-facing source of node state.
type NodeInfoProvider interface {
	GetAllNodeIDs() ([]string, error)
	GetNodeInfo(nodeID string) (types.NodeInfo, error)
	SubscribeListener(l NodeInfoListener)
	UnsubscribeListener(l NodeInfoListener)
}

// AlertListener receives quota alert notifications.
type AlertListener interface {
	OnAlertReceived(alert types.QuotaAlert)
}

// AlertsProvider is the source of SystemQuotaAlert notifications.
type AlertsProvider interface {
	SubscribeListener(tags []string, l AlertListener)
	UnsubscribeListener(l AlertListener)
}

// SubjectListener receives subject-list change notifications.
type SubjectListener interface {
	OnSubjectsChanged(subjects []types.SubjectInfo)
}

// IdentProvider is the source of the enabled-subject list.
type IdentProvider interface {
	GetSubjects() ([]types.SubjectInfo, error)
	SubscribeListener(l SubjectListener)
}

// InstanceStatusListener receives the aggregated instance status set
// whenever it changes.
type InstanceStatusListener interface {
	OnInstancesStatusesChanged(statuses []types.InstanceStatus)
}

// Config tunes the launcher's background behavior.
type Config struct {
	QuotaAlertTag string // tag subscribed to on AlertsProvider, default "SystemQuotaAlert"
}

// DefaultConfig returns the spec's default tag.
func DefaultConfig() Config {
	return Config{QuotaAlertTag: "SystemQuotaAlert"}
}

// Launcher is the top-level orchestrator: placement pipeline entry point,
// reactive update thread, and status fan-out.
type Launcher struct {
	cfg Config

	instanceMgr InstanceManager
	nodeMgr     NodeManager
	balancer    Balancer
	nodeInfo    NodeInfoProvider
	alerts      AlertsProvider
	idents      IdentProvider
	monitoring  MonitoringProvider
	subjects    *SubjectSet

	logger zerolog.Logger

	// updateMutex guards every field below it, and is always taken before
	// balancingMutex.
	updateMutex           sync.Mutex
	cond                  *sync.Cond
	running               bool
	disableProcessUpdates bool
	updatedNodes          []string
	newSubjects           []types.SubjectInfo
	hasNewSubjects        bool
	alertReceived         bool
	lastDesiredState      []types.RunInstanceRequest

	// balancingMutex serializes the heavy placement pipeline so a
	// concurrent alert and a new desired state can't interleave inside it.
	balancingMutex sync.Mutex

	statusMu     sync.Mutex
	lastStatuses []types.InstanceStatus
	listeners    []InstanceStatusListener

	wg sync.WaitGroup
}

// New wires a Launcher from its collaborators.
func New(
	cfg Config,
	instanceMgr InstanceManager,
	nodeMgr NodeManager,
	bal Balancer,
	nodeInfo NodeInfoProvider,
	alerts AlertsProvider,
	idents IdentProvider,
	monitoring MonitoringProvider,
	subjects *SubjectSet,
) *Launcher {
	if cfg.QuotaAlertTag == "" {
		cfg.QuotaAlertTag = "SystemQuotaAlert"
	}

	l := &Launcher{
		cfg:         cfg,
		instanceMgr: instanceMgr,
		nodeMgr:     nodeMgr,
		balancer:    bal,
		nodeInfo:    nodeInfo,
		alerts:      alerts,
		idents:      idents,
		monitoring:  monitoring,
		subjects:    subjects,
		logger:      log.WithComponent("launcher"),
	}
	l.cond = sync.NewCond(&l.updateMutex)
	return l
}

// Start seeds node and subject state, subscribes to every provider, and
// spawns the background update thread.
func (l *Launcher) Start() error {
	ids, err := l.nodeInfo.GetAllNodeIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		info, err := l.nodeInfo.GetNodeInfo(id)
		if err != nil {
			l.logger.Warn().Err(err).Str("node_id", id).Msg("failed to load node info at startup")
			continue
		}
		l.nodeMgr.OnNodeInfoChanged(info, false)
	}

	subjects, err := l.idents.GetSubjects()
	if err != nil {
		return err
	}
	l.subjects.Set(subjects, l.instanceMgr.ActiveInstances(), l.instanceMgr.CachedInstances())

	l.instanceMgr.Start()

	l.nodeInfo.SubscribeListener(l)
	l.alerts.SubscribeListener([]string{l.cfg.QuotaAlertTag}, l)
	l.idents.SubscribeListener(l)

	l.updateMutex.Lock()
	l.running = true
	l.updateMutex.Unlock()

	l.wg.Add(1)
	go l.processUpdates()

	return nil
}

// Stop is idempotent: it stops the update thread, unsubscribes from the
// node-info and alert providers, and stops the instance manager's
// background timers.
func (l *Launcher) Stop() {
	l.updateMutex.Lock()
	if !l.running {
		l.updateMutex.Unlock()
		return
	}
	l.running = false
	l.cond.Broadcast()
	l.updateMutex.Unlock()

	l.wg.Wait()

	l.nodeInfo.UnsubscribeListener(l)
	l.alerts.UnsubscribeListener(l)
	l.instanceMgr.Stop()
}

// RunInstances applies a fresh desired state: a one-shot placement cycle
// over requests, without the policy-balancing pass a full Rebalance runs.
func (l *Launcher) RunInstances(requests []types.RunInstanceRequest) ([]types.InstanceStatus, error) {
	l.updateMutex.Lock()
	l.disableProcessUpdates = true
	l.balancingMutex.Lock()
	l.updateMutex.Unlock()

	defer func() {
		l.balancingMutex.Unlock()
		l.updateMutex.Lock()
		l.disableProcessUpdates = false
		l.cond.Broadcast()
		l.updateMutex.Unlock()
	}()

	l.lastDesiredState = requests

	if err := l.updateData(false); err != nil {
		l.logger.Warn().Err(err).Msg("failed to refresh node monitoring before placement")
	}

	if err := l.balancer.RunInstances(requests, false); err != nil {
		return nil, err
	}

	l.failActivatingInstances()
	return l.updateInstanceStatuses(), nil
}

// Rebalance re-evaluates every currently active instance against the last
// desired state, triggered by a quota alert or a subject-list change.
func (l *Launcher) Rebalance() error {
	l.updateMutex.Lock()
	defer l.updateMutex.Unlock()
	return l.rebalanceLocked()
}

// rebalanceLocked runs the policy- then node-balancing passes over
// lastDesiredState. Callers hold updateMutex on entry; it is released
// while the placement pipeline runs under balancingMutex and reacquired
// before returning.
func (l *Launcher) rebalanceLocked() error {
	l.disableProcessUpdates = true
	l.balancingMutex.Lock()
	l.updateMutex.Unlock()

	err := l.updateData(true)
	if err == nil {
		err = l.balancer.RunInstances(l.lastDesiredState, true)
	}

	l.failActivatingInstances()
	l.updateInstanceStatuses()

	l.balancingMutex.Unlock()
	l.updateMutex.Lock()
	l.disableProcessUpdates = false
	l.cond.Broadcast()

	return err
}

// updateData pushes each connected node's averaged per-instance monitoring
// into the instance manager, ahead of a placement cycle.
func (l *Launcher) updateData(rebalancing bool) error {
	var firstErr error
	for _, n := range l.nodeMgr.GetConnectedNodes() {
		info := n.Info()

		mon, err := l.monitoring.GetAverageMonitoring(info.NodeID)
		if err != nil {
			if !aoserrors.Is(err, aoserrors.KindNotFound) {
				l.logger.Warn().Err(err).Str("node_id", info.NodeID).Msg("failed to load node monitoring, assuming none")
				if firstErr == nil {
					firstErr = err
				}
			}
			continue
		}
		l.instanceMgr.UpdateMonitoringData(mon.PerInstance)
	}
	return firstErr
}

// failActivatingInstances fails any active instance still waiting on its
// node to report status, right after a placement cycle dispatches.
func (l *Launcher) failActivatingInstances() {
	for _, inst := range l.instanceMgr.ActiveInstances() {
		if inst.Status().State != types.RunStateActivating {
			continue
		}
		err := aoserrors.New(aoserrors.KindTimeout, "node did not report status before the connection timeout")
		if err := inst.SetError(err); err != nil {
			l.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("failed to mark stuck instance as failed")
		}
	}
}

// resendToNodes dispatches the cheap per-node delta: only the nodes named
// in nodeIDs are touched, using each node's last-reported running set.
// Caller holds updateMutex.
func (l *Launcher) resendToNodes(nodeIDs []string) {
	active := l.instanceMgr.ActiveInstances()

	for _, nodeID := range nodeIDs {
		n, ok := l.nodeMgr.Get(nodeID)
		if !ok {
			continue
		}

		var idents []types.InstanceIdent
		for _, inst := range active {
			info := inst.Info()
			if info.NodeID == nodeID {
				idents = append(idents, info.InstanceIdent)
			}
		}

		if _, err := n.ResendInstances(idents, n.RunningInstances()); err != nil {
			l.logger.Error().Err(err).Str("node_id", nodeID).Msg("resend instances failed")
		}
	}
}

// processUpdates is the background update thread: it waits on cond for a
// reason to act, then applies subject changes, resends to updated nodes
// on the cheap path, or runs a full rebalance.
func (l *Launcher) processUpdates() {
	defer l.wg.Done()

	l.updateMutex.Lock()
	defer l.updateMutex.Unlock()

	for {
		for l.running && (l.disableProcessUpdates || (len(l.updatedNodes) == 0 && !l.hasNewSubjects && !l.alertReceived)) {
			l.cond.Wait()
		}
		if !l.running {
			return
		}

		subjects := l.newSubjects
		hadNewSubjects := l.hasNewSubjects
		l.newSubjects = nil
		l.hasNewSubjects = false

		updatedNodes := l.updatedNodes
		l.updatedNodes = nil

		alert := l.alertReceived
		l.alertReceived = false

		needsRebalance := false
		if hadNewSubjects {
			needsRebalance = l.subjects.Set(subjects, l.instanceMgr.ActiveInstances(), l.instanceMgr.CachedInstances())
		}

		if !needsRebalance && !alert {
			l.resendToNodes(updatedNodes)
		}

		if alert || needsRebalance {
			if err := l.rebalanceLocked(); err != nil {
				l.logger.Error().Err(err).Msg("rebalance failed")
			}
		}
	}
}

// GetInstancesStatuses returns the last-computed aggregated status set.
func (l *Launcher) GetInstancesStatuses() []types.InstanceStatus {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return append([]types.InstanceStatus(nil), l.lastStatuses...)
}

// SubscribeListener registers ls to receive the aggregated status set
// whenever it changes.
func (l *Launcher) SubscribeListener(ls InstanceStatusListener) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.listeners = append(l.listeners, ls)
}

// UnsubscribeListener removes a previously registered listener.
func (l *Launcher) UnsubscribeListener(ls InstanceStatusListener) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	for i, existing := range l.listeners {
		if existing == ls {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

// updateInstanceStatuses recomputes the aggregated status set and fans it
// out to listeners only if it changed since the last computation.
func (l *Launcher) updateInstanceStatuses() []types.InstanceStatus {
	statuses := l.collectStatuses()

	l.statusMu.Lock()
	changed := !equalStatuses(l.lastStatuses, statuses)
	l.lastStatuses = statuses
	listeners := append([]InstanceStatusListener(nil), l.listeners...)
	l.statusMu.Unlock()

	if changed {
		for _, ls := range listeners {
			ls.OnInstancesStatusesChanged(statuses)
		}
	}
	return statuses
}

// collectStatuses merges active-instance statuses with cached (including
// preinstalled-component) statuses, per the status fan-out contract.
func (l *Launcher) collectStatuses() []types.InstanceStatus {
	active := l.instanceMgr.ActiveInstances()
	cached := l.instanceMgr.CachedInstances()

	statuses := make([]types.InstanceStatus, 0, len(active)+len(cached))
	for _, inst := range active {
		statuses = append(statuses, inst.Status())
	}
	for _, inst := range cached {
		statuses = append(statuses, inst.Status())
	}
	return statuses
}

func equalStatuses(a, b []types.InstanceStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalStatus(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalStatus(a, b types.InstanceStatus) bool {
	if !a.InstanceIdent.Equal(b.InstanceIdent) {
		return false
	}
	if a.RuntimeID != b.RuntimeID || a.NodeID != b.NodeID || a.ServiceVersion != b.ServiceVersion {
		return false
	}
	if a.State != b.State || a.StateChecksum != b.StateChecksum {
		return false
	}
	return errorMessage(a.Error) == errorMessage(b.Error)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// OnNodeInfoChanged applies the node-info change to the node manager, then
// marks the node updated so the update thread resends or rebalances.
func (l *Launcher) OnNodeInfoChanged(info types.NodeInfo, removed bool) {
	l.nodeMgr.OnNodeInfoChanged(info, removed)
	l.notifyNodeUpdated(info.NodeID)
}

// OnAlertReceived reacts only to a Fall alert, per AlertsProviderItf's contract.
func (l *Launcher) OnAlertReceived(alert types.QuotaAlert) {
	if alert.State != types.AlertStateFall {
		return
	}

	l.updateMutex.Lock()
	l.alertReceived = true
	l.cond.Broadcast()
	l.updateMutex.Unlock()
}

// OnSubjectsChanged queues the new subject list for the update thread to apply.
func (l *Launcher) OnSubjectsChanged(subjects []types.SubjectInfo) {
	l.updateMutex.Lock()
	l.newSubjects = subjects
	l.hasNewSubjects = true
	l.cond.Broadcast()
	l.updateMutex.Unlock()
}

// OnInstanceStatusReceived applies one instance's status, then fans out
// the aggregated set and marks the owning node updated.
func (l *Launcher) OnInstanceStatusReceived(status types.InstanceStatus) {
	if err := l.instanceMgr.UpdateStatus(status); err != nil {
		l.logger.Warn().Err(err).Str("instance", status.InstanceIdent.String()).Msg("status for unknown instance")
	}
	l.updateInstanceStatuses()
	l.notifyNodeUpdated(status.NodeID)
}

// OnNodeInstancesStatusesReceived applies a node's full status report: every
// instance's status, the node's new running-instance view, the aggregated
// fan-out, and a node-updated flag for the update thread.
func (l *Launcher) OnNodeInstancesStatusesReceived(nodeID string, statuses []types.InstanceStatus) {
	for _, status := range statuses {
		if err := l.instanceMgr.UpdateStatus(status); err != nil {
			l.logger.Warn().Err(err).Str("instance", status.InstanceIdent.String()).Msg("status for unknown instance")
		}
	}

	if n, ok := l.nodeMgr.Get(nodeID); ok {
		idents := make([]types.InstanceIdent, len(statuses))
		for i, status := range statuses {
			idents[i] = status.InstanceIdent
		}
		n.UpdateRunningInstances(idents)
	}

	l.updateInstanceStatuses()
	l.notifyNodeUpdated(nodeID)
}

func (l *Launcher) notifyNodeUpdated(nodeID string) {
	l.updateMutex.Lock()
	l.updatedNodes = pushUnique(l.updatedNodes, nodeID)
	l.cond.Broadcast()
	l.updateMutex.Unlock()
}

func pushUnique(nodeIDs []string, id string) []string {
	for _, existing := range nodeIDs {
		if existing == id {
			return nodeIDs
		}
	}
	return append(nodeIDs, id)
}
