// Package node implements the per-node placement view the balancer
// reserves resources against: available CPU/RAM pools (global and
// per-runtime), shared resource counters, and the scheduled/running/sent
// instance sets used to compute dispatch deltas.
package node

import (
	"sync"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// defaultMaxInstances is the per-runtime instance cap used when a runtime
// declares MaxInstances == 0 (unbounded is not actually unbounded: it
// falls back to this ceiling).
const defaultMaxInstances = 1000

// InstanceRunner dispatches a stop/start delta to a node's service
// manager. Satisfied by the launcher's runner adapter.
type InstanceRunner interface {
	UpdateInstances(nodeID string, stop, start []types.InstanceIdent) error
}

// Reservation is scoped access to the resources ReserveResources
// decremented, so a failed downstream step can roll everything back
// atomically.
type Reservation struct {
	node              *Node
	runtimeID         string
	cpuFromGlobal     bool
	ramFromGlobal     bool
	cpu               int64
	ram               int64
	instanceCommitted bool
	resourcesTaken    []string
	committed         bool
}

// Rollback restores every counter this reservation decremented. A no-op
// once the reservation has been committed.
func (r *Reservation) Rollback() {
	if r.committed {
		return
	}
	n := r.node

	if r.cpuFromGlobal {
		n.availableCPU += r.cpu
	} else if r.cpu != 0 {
		n.runtimeAvailableCPU[r.runtimeID] += r.cpu
	}
	if r.ramFromGlobal {
		n.availableRAM += r.ram
	} else if r.ram != 0 {
		n.runtimeAvailableRAM[r.runtimeID] += r.ram
	}
	if r.instanceCommitted {
		n.runtimeMaxInstances[r.runtimeID]++
	}
	for _, name := range r.resourcesTaken {
		for i := range n.availableResources {
			if n.availableResources[i].Name == name {
				n.availableResources[i].SharedCount++
				break
			}
		}
	}
}

// Node is the placement view for one connected node.
type Node struct {
	mu sync.Mutex

	info   types.NodeInfo
	config types.NodeConfig

	availableCPU int64
	availableRAM int64

	runtimeAvailableCPU map[string]int64
	runtimeAvailableRAM map[string]int64
	runtimeMaxInstances map[string]int

	availableResources []types.SharedResource

	scheduledInstances []types.InstanceIdent
	runningInstances   []types.InstanceIdent
	sentInstances      []types.InstanceIdent

	needsBalancing bool

	runner InstanceRunner
	logger zerolog.Logger
}

// New creates a Node view from its static declaration.
func New(info types.NodeInfo, runner InstanceRunner) *Node {
	return &Node{
		info:   info,
		runner: runner,
		logger: log.WithNodeID(info.NodeID),
	}
}

// Info returns the node's static description.
func (n *Node) Info() types.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info
}

// SetInfo replaces the static description (node info changed upstream).
func (n *Node) SetInfo(info types.NodeInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info = info
}

// NeedsBalancing reports whether the last PrepareForBalancing call found
// this node over its high-water mark.
func (n *Node) NeedsBalancing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.needsBalancing
}

// UpdateRunningInstances replaces the last-known running set reported by
// this node's statuses, consulted by the next ResendInstances call.
func (n *Node) UpdateRunningInstances(idents []types.InstanceIdent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runningInstances = idents
}

// RunningInstances returns the last-known running set reported by this node.
func (n *Node) RunningInstances() []types.InstanceIdent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.InstanceIdent(nil), n.runningInstances...)
}

// AvailableCPU and AvailableRAM expose the current global pools, used by
// the balancer's tie-break sort.
func (n *Node) AvailableCPU() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.availableCPU
}

func (n *Node) AvailableRAM() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.availableRAM
}

// PrepareForBalancing reloads config, resets the lazily-populated
// per-runtime pools, and recomputes the global pools from the node's
// total capacity minus whatever the system (instances not managed by
// this launcher) is using per the last monitoring snapshot.
func (n *Node) PrepareForBalancing(rebalancing bool, config types.NodeConfig, monitoring types.NodeMonitoringData) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.config = config
	n.runtimeAvailableCPU = make(map[string]int64)
	n.runtimeAvailableRAM = make(map[string]int64)
	n.runtimeMaxInstances = make(map[string]int)
	n.availableResources = append([]types.SharedResource(nil), n.info.Resources...)

	var usedCPU, usedRAM int64
	for _, sample := range monitoring.PerInstance {
		usedCPU += sample.CPUDMIPS
		usedRAM += sample.RAMBytes
	}
	systemCPUUsage := monitoring.CPUDMIPS - usedCPU
	systemRAMUsage := monitoring.RAMBytes - usedRAM

	totalCPU := n.info.MaxDMIPS
	totalRAM := n.info.TotalRAM

	n.needsBalancing = false
	cpuCap := totalCPU
	ramCap := totalRAM

	if rebalancing {
		if over := exceedsMaxThreshold(systemCPUUsage, totalCPU, n.config.AlertRules.CPU); over {
			n.needsBalancing = true
			cpuCap = totalCPU * int64(n.config.AlertRules.CPU.MinThresholdPercent) / 100
		}
		if over := exceedsMaxThreshold(systemRAMUsage, totalRAM, n.config.AlertRules.RAM); over {
			n.needsBalancing = true
			ramCap = totalRAM * int64(n.config.AlertRules.RAM.MinThresholdPercent) / 100
		}
	}

	n.availableCPU = clampNonNegative(cpuCap - systemCPUUsage)
	n.availableRAM = clampNonNegative(ramCap - systemRAMUsage)
}

func exceedsMaxThreshold(usage, total int64, rule types.ThresholdRule) bool {
	if rule.MaxThresholdPercent <= 0 || total <= 0 {
		return false
	}
	return usage*100 > total*int64(rule.MaxThresholdPercent)
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// RuntimeAvailableCPU previews the CPU pool reqCPU would be checked
// against for runtimeID, without reserving anything — used by the
// balancer's pre-reservation filter pass.
func (n *Node) RuntimeAvailableCPU(runtime types.Runtime) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if runtime.AllowedDMIPS <= 0 {
		return n.availableCPU
	}
	if v, ok := n.runtimeAvailableCPU[runtime.RuntimeID]; ok {
		return v
	}
	return runtime.AllowedDMIPS
}

// RuntimeAvailableRAM mirrors RuntimeAvailableCPU for the RAM pool.
func (n *Node) RuntimeAvailableRAM(runtime types.Runtime) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if runtime.AllowedRAM <= 0 {
		return n.availableRAM
	}
	if v, ok := n.runtimeAvailableRAM[runtime.RuntimeID]; ok {
		return v
	}
	return runtime.AllowedRAM
}

// RuntimeHasInstanceSlot previews whether runtimeID still has a free
// instance slot, without reserving one.
func (n *Node) RuntimeHasInstanceSlot(runtime types.Runtime) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if v, ok := n.runtimeMaxInstances[runtime.RuntimeID]; ok {
		return v > 0
	}
	maxInstances := runtime.MaxInstances
	if maxInstances <= 0 {
		maxInstances = defaultMaxInstances
	}
	return maxInstances > 0
}

// Runtimes returns the node's declared runtime set, used by the balancer's
// runtime-matching filter.
func (n *Node) Runtimes() []types.Runtime {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Runtime(nil), n.info.Runtimes...)
}

// findRuntime returns the node's declaration of runtimeID, if any.
func (n *Node) findRuntime(runtimeID string) (types.Runtime, bool) {
	for _, rt := range n.info.Runtimes {
		if rt.RuntimeID == runtimeID {
			return rt, true
		}
	}
	return types.Runtime{}, false
}

// ReserveResources decrements the CPU/RAM/instance-slot/shared-resource
// counters applicable to runtimeID, in the order the balancer depends on
// for clean rollback: CPU, RAM, instance slot, then shared resources.
func (n *Node) ReserveResources(ident types.InstanceIdent, runtimeID string, reqCPU, reqRAM int64, reqResources []string) (*Reservation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	runtime, ok := n.findRuntime(runtimeID)
	if !ok {
		return nil, aoserrors.New(aoserrors.KindNotSupported, "runtime not declared on node")
	}

	res := &Reservation{node: n, runtimeID: runtimeID}

	if runtime.AllowedDMIPS > 0 {
		if _, seen := n.runtimeAvailableCPU[runtimeID]; !seen {
			n.runtimeAvailableCPU[runtimeID] = runtime.AllowedDMIPS
		}
		if n.runtimeAvailableCPU[runtimeID] < reqCPU {
			return nil, aoserrors.New(aoserrors.KindNoMemory, "insufficient per-runtime CPU")
		}
		n.runtimeAvailableCPU[runtimeID] -= reqCPU
		res.cpu = reqCPU
	} else {
		if n.availableCPU < reqCPU {
			return nil, aoserrors.New(aoserrors.KindNoMemory, "insufficient node CPU")
		}
		n.availableCPU -= reqCPU
		res.cpu = reqCPU
		res.cpuFromGlobal = true
	}

	if runtime.AllowedRAM > 0 {
		if _, seen := n.runtimeAvailableRAM[runtimeID]; !seen {
			n.runtimeAvailableRAM[runtimeID] = runtime.AllowedRAM
		}
		if n.runtimeAvailableRAM[runtimeID] < reqRAM {
			res.Rollback()
			return nil, aoserrors.New(aoserrors.KindNoMemory, "insufficient per-runtime RAM")
		}
		n.runtimeAvailableRAM[runtimeID] -= reqRAM
		res.ram = reqRAM
	} else {
		if n.availableRAM < reqRAM {
			res.Rollback()
			return nil, aoserrors.New(aoserrors.KindNoMemory, "insufficient node RAM")
		}
		n.availableRAM -= reqRAM
		res.ram = reqRAM
		res.ramFromGlobal = true
	}

	maxInstances := runtime.MaxInstances
	if maxInstances <= 0 {
		maxInstances = defaultMaxInstances
	}
	if _, seen := n.runtimeMaxInstances[runtimeID]; !seen {
		n.runtimeMaxInstances[runtimeID] = maxInstances
	}
	if n.runtimeMaxInstances[runtimeID] <= 0 {
		res.Rollback()
		return nil, aoserrors.New(aoserrors.KindNoMemory, "runtime instance slots exhausted")
	}
	n.runtimeMaxInstances[runtimeID]--
	res.instanceCommitted = true

	for _, name := range reqResources {
		found := false
		for i := range n.availableResources {
			if n.availableResources[i].Name == name {
				if n.availableResources[i].SharedCount <= 0 {
					res.Rollback()
					return nil, aoserrors.New(aoserrors.KindNoMemory, "shared resource exhausted: "+name)
				}
				n.availableResources[i].SharedCount--
				res.resourcesTaken = append(res.resourcesTaken, name)
				found = true
				break
			}
		}
		if !found {
			res.Rollback()
			return nil, aoserrors.New(aoserrors.KindNotFound, "shared resource not declared: "+name)
		}
	}

	n.scheduledInstances = append(n.scheduledInstances, ident)

	return res, nil
}

// Commit marks a reservation final: Rollback becomes a no-op.
func (r *Reservation) Commit() {
	r.committed = true
}

// SendScheduledInstances computes the stop/start delta between what this
// node is currently running and what it was just scheduled, and dispatches
// it to the instance runner.
func (n *Node) SendScheduledInstances(scheduled, running []types.InstanceIdent) error {
	n.mu.Lock()
	nodeID := n.info.NodeID
	stop := diffIdents(running, scheduled)
	start := diffIdents(scheduled, running)
	n.sentInstances = append([]types.InstanceIdent(nil), scheduled...)
	n.mu.Unlock()

	if len(stop) == 0 && len(start) == 0 {
		return nil
	}

	return n.runner.UpdateInstances(nodeID, stop, start)
}

// ResendInstances is the reactive-path counterpart: it dispatches only
// when the node's last active set differs from what it currently reports
// running, and reports whether it issued a dispatch.
func (n *Node) ResendInstances(active, running []types.InstanceIdent) (bool, error) {
	stop := diffIdents(running, active)
	start := diffIdents(active, running)

	if len(stop) == 0 && len(start) == 0 {
		return false, nil
	}

	n.mu.Lock()
	nodeID := n.info.NodeID
	n.mu.Unlock()

	if err := n.runner.UpdateInstances(nodeID, stop, start); err != nil {
		return false, err
	}
	return true, nil
}

// diffIdents returns the elements of a not present in b, by InstanceIdent
// equality.
func diffIdents(a, b []types.InstanceIdent) []types.InstanceIdent {
	var out []types.InstanceIdent
	for _, ident := range a {
		present := false
		for _, other := range b {
			if ident.Equal(other) {
				present = true
				break
			}
		}
		if !present {
			out = append(out, ident)
		}
	}
	return out
}
