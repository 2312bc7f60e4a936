package node

import (
	"testing"

	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	nodeID string
	stop   []types.InstanceIdent
	start  []types.InstanceIdent
	calls  int
}

func (f *fakeRunner) UpdateInstances(nodeID string, stop, start []types.InstanceIdent) error {
	f.nodeID = nodeID
	f.stop = stop
	f.start = start
	f.calls++
	return nil
}

func testNodeInfo() types.NodeInfo {
	return types.NodeInfo{
		NodeID:      "node-1",
		MaxDMIPS:    4000,
		TotalRAM:    4 << 30,
		Online:      true,
		Provisioned: true,
		Runtimes: []types.Runtime{
			{RuntimeID: "runc", RuntimeType: "runc", OS: "linux", Architecture: "amd64"},
		},
	}
}

func ident(itemID string) types.InstanceIdent {
	return types.InstanceIdent{ItemID: itemID, SubjectID: "subj1", Type: types.ItemTypeService}
}

func TestPrepareForBalancingComputesAvailablePools(t *testing.T) {
	n := New(testNodeInfo(), &fakeRunner{})
	n.PrepareForBalancing(false, types.NodeConfig{}, types.NodeMonitoringData{CPUDMIPS: 1000, RAMBytes: 1 << 30})

	assert.Equal(t, int64(3000), n.AvailableCPU())
	assert.Equal(t, int64(3)<<30, n.AvailableRAM())
}

func TestPrepareForBalancingSetsNeedsBalancingOverThreshold(t *testing.T) {
	n := New(testNodeInfo(), &fakeRunner{})
	cfg := types.NodeConfig{AlertRules: types.AlertRules{
		CPU: types.ThresholdRule{MaxThresholdPercent: 80, MinThresholdPercent: 50},
	}}

	n.PrepareForBalancing(true, cfg, types.NodeMonitoringData{CPUDMIPS: 3700})

	assert.True(t, n.NeedsBalancing())
	assert.Zero(t, n.AvailableCPU()) // cap reduced to 50% of 4000 = 2000, minus usage 3700 clamps to 0
}

func TestReserveResourcesDecrementsGlobalPools(t *testing.T) {
	n := New(testNodeInfo(), &fakeRunner{})
	n.PrepareForBalancing(false, types.NodeConfig{}, types.NodeMonitoringData{})

	res, err := n.ReserveResources(ident("svc1"), "runc", 500, 256<<20, nil)
	require.NoError(t, err)
	res.Commit()

	assert.Equal(t, int64(3500), n.AvailableCPU())
}

func TestReserveResourcesRollsBackOnRAMFailure(t *testing.T) {
	info := testNodeInfo()
	info.TotalRAM = 100 << 20
	n := New(info, &fakeRunner{})
	n.PrepareForBalancing(false, types.NodeConfig{}, types.NodeMonitoringData{})

	_, err := n.ReserveResources(ident("svc1"), "runc", 500, 200<<20, nil)
	require.Error(t, err)

	assert.Equal(t, int64(4000), n.AvailableCPU())
}

func TestReserveResourcesFailsForUndeclaredRuntime(t *testing.T) {
	n := New(testNodeInfo(), &fakeRunner{})
	n.PrepareForBalancing(false, types.NodeConfig{}, types.NodeMonitoringData{})

	_, err := n.ReserveResources(ident("svc1"), "missing-runtime", 1, 1, nil)
	assert.Error(t, err)
}

func TestReserveResourcesDecrementsSharedResources(t *testing.T) {
	info := testNodeInfo()
	info.Resources = []types.SharedResource{{Name: "gpu", SharedCount: 1}}
	n := New(info, &fakeRunner{})
	n.PrepareForBalancing(false, types.NodeConfig{}, types.NodeMonitoringData{})

	_, err := n.ReserveResources(ident("svc1"), "runc", 1, 1, []string{"gpu"})
	require.NoError(t, err)

	_, err = n.ReserveResources(ident("svc2"), "runc", 1, 1, []string{"gpu"})
	assert.Error(t, err)
}

func TestSendScheduledInstancesDispatchesDelta(t *testing.T) {
	runner := &fakeRunner{}
	n := New(testNodeInfo(), runner)

	running := []types.InstanceIdent{ident("old")}
	scheduled := []types.InstanceIdent{ident("new")}

	require.NoError(t, n.SendScheduledInstances(scheduled, running))

	assert.Equal(t, 1, runner.calls)
	assert.ElementsMatch(t, []types.InstanceIdent{ident("old")}, runner.stop)
	assert.ElementsMatch(t, []types.InstanceIdent{ident("new")}, runner.start)
}

func TestSendScheduledInstancesNoopWhenUnchanged(t *testing.T) {
	runner := &fakeRunner{}
	n := New(testNodeInfo(), runner)

	same := []types.InstanceIdent{ident("svc1")}
	require.NoError(t, n.SendScheduledInstances(same, same))

	assert.Zero(t, runner.calls)
}

func TestResendInstancesReportsWhetherDispatched(t *testing.T) {
	runner := &fakeRunner{}
	n := New(testNodeInfo(), runner)

	dispatched, err := n.ResendInstances([]types.InstanceIdent{ident("svc1")}, nil)
	require.NoError(t, err)
	assert.True(t, dispatched)

	dispatched, err = n.ResendInstances(nil, nil)
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestUpdateRunningInstancesRoundTrips(t *testing.T) {
	n := New(testNodeInfo(), &fakeRunner{})

	assert.Empty(t, n.RunningInstances())

	idents := []types.InstanceIdent{ident("svc1"), ident("svc2")}
	n.UpdateRunningInstances(idents)

	assert.Equal(t, idents, n.RunningInstances())
}
