package instancemgr

import (
	"testing"
	"time"

	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct{}

func (fakeStorage) AddInstance(types.InstanceInfo) error     { return nil }
func (fakeStorage) UpdateInstance(types.InstanceInfo) error  { return nil }
func (fakeStorage) RemoveInstance(types.InstanceIdent) error { return nil }

type componentFactory struct {
	storage fakeStorage
}

func (f componentFactory) NewInstance(info types.InstanceInfo) instance.Instance {
	return instance.NewComponent(info, f.storage)
}

type alwaysValidProvider struct{}

func (alwaysValidProvider) LoadImageConfig(types.Digest) (instance.ImageConfig, error) {
	return instance.ImageConfig{}, nil
}

func (alwaysValidProvider) LoadServiceConfig(types.Digest) (instance.ServiceConfig, error) {
	return instance.ServiceConfig{}, nil
}

func testIdent(itemID string) types.InstanceIdent {
	return types.InstanceIdent{ItemID: itemID, SubjectID: "subj1", InstanceIndex: 0, Type: types.ItemTypeComponent}
}

func TestAddInstanceToStashCreatesNewRow(t *testing.T) {
	m := New(DefaultConfig(), componentFactory{}, nil, alwaysValidProvider{})

	ident := testIdent("svc1")
	inst, err := m.AddInstanceToStash(ident, types.RunInstanceRequest{UpdateItemType: types.ItemTypeComponent})
	require.NoError(t, err)
	assert.True(t, inst.Ident().Equal(ident))
}

func TestAddInstanceToStashIsNoOpWhenAlreadyStashed(t *testing.T) {
	m := New(DefaultConfig(), componentFactory{}, nil, alwaysValidProvider{})
	ident := testIdent("svc1")

	first, err := m.AddInstanceToStash(ident, types.RunInstanceRequest{})
	require.NoError(t, err)
	second, err := m.AddInstanceToStash(ident, types.RunInstanceRequest{})
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestSubmitStashCachesDroppedActiveInstances(t *testing.T) {
	persisted := []types.InstanceInfo{
		{InstanceIdent: testIdent("old"), State: types.InstanceStateActive, Timestamp: time.Now()},
	}
	m := New(DefaultConfig(), componentFactory{}, persisted, alwaysValidProvider{})
	require.Len(t, m.ActiveInstances(), 1)

	require.NoError(t, m.SubmitStash())

	assert.Empty(t, m.ActiveInstances())
	assert.Len(t, m.CachedInstances(), 1)
}

func TestSubmitStashPromotesStashToActive(t *testing.T) {
	m := New(DefaultConfig(), componentFactory{}, nil, alwaysValidProvider{})
	ident := testIdent("svc1")

	_, err := m.AddInstanceToStash(ident, types.RunInstanceRequest{})
	require.NoError(t, err)

	require.NoError(t, m.SubmitStash())

	active := m.ActiveInstances()
	require.Len(t, active, 1)
	assert.True(t, active[0].Ident().Equal(ident))
}

func TestUpdateStatusDelegatesToActiveInstance(t *testing.T) {
	m := New(DefaultConfig(), componentFactory{}, nil, alwaysValidProvider{})
	ident := testIdent("svc1")

	_, err := m.AddInstanceToStash(ident, types.RunInstanceRequest{})
	require.NoError(t, err)
	require.NoError(t, m.SubmitStash())

	status := types.InstanceStatus{InstanceIdent: ident, State: types.RunStateActive, NodeID: "node-1"}
	require.NoError(t, m.UpdateStatus(status))

	active := m.ActiveInstances()
	require.Len(t, active, 1)
	assert.Equal(t, types.RunStateActive, active[0].Status().State)
}

func TestUpdateStatusFailsWhenInstanceNotActive(t *testing.T) {
	m := New(DefaultConfig(), componentFactory{}, nil, alwaysValidProvider{})
	err := m.UpdateStatus(types.InstanceStatus{InstanceIdent: testIdent("missing")})
	assert.Error(t, err)
}

func TestNewDropsInstancesWithInvalidImage(t *testing.T) {
	persisted := []types.InstanceInfo{
		{InstanceIdent: testIdent("bad"), State: types.InstanceStateActive},
	}

	m := New(DefaultConfig(), componentFactory{}, persisted, invalidProvider{})
	assert.Empty(t, m.ActiveInstances())
}

type invalidProvider struct{}

func (invalidProvider) LoadImageConfig(types.Digest) (instance.ImageConfig, error) {
	return instance.ImageConfig{}, assertError{}
}

func (invalidProvider) LoadServiceConfig(types.Digest) (instance.ServiceConfig, error) {
	return instance.ServiceConfig{}, assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "invalid image" }
