package instance

import (
	"errors"
	"testing"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	updates []types.InstanceInfo
	removed []types.InstanceIdent
}

func (f *fakeStorage) AddInstance(info types.InstanceInfo) error { return nil }

func (f *fakeStorage) UpdateInstance(info types.InstanceInfo) error {
	f.updates = append(f.updates, info)
	return nil
}

func (f *fakeStorage) RemoveInstance(ident types.InstanceIdent) error {
	f.removed = append(f.removed, ident)
	return nil
}

type fakeUIDPool struct {
	next     int
	acquired map[int]bool
}

func newFakeUIDPool(start int) *fakeUIDPool {
	return &fakeUIDPool{next: start, acquired: map[int]bool{}}
}

func (p *fakeUIDPool) Acquire() (int, error) {
	id := p.next
	p.next++
	p.acquired[id] = true
	return id, nil
}

func (p *fakeUIDPool) TryAcquire(id int) error {
	if p.acquired[id] {
		return errors.New("already acquired")
	}
	p.acquired[id] = true
	return nil
}

func (p *fakeUIDPool) Release(id int) error {
	if !p.acquired[id] {
		return errors.New("not acquired")
	}
	delete(p.acquired, id)
	return nil
}

type fakeGIDPool struct {
	byItem map[string]int
	next   int
}

func newFakeGIDPool(start int) *fakeGIDPool {
	return &fakeGIDPool{byItem: map[string]int{}, next: start}
}

func (p *fakeGIDPool) GetGID(itemID string, requestedGID int) (int, error) {
	if gid, ok := p.byItem[itemID]; ok {
		return gid, nil
	}
	gid := requestedGID
	if gid == 0 {
		gid = p.next
		p.next++
	}
	p.byItem[itemID] = gid
	return gid, nil
}

func (p *fakeGIDPool) Release(itemID string) error {
	if _, ok := p.byItem[itemID]; !ok {
		return errors.New("not found")
	}
	delete(p.byItem, itemID)
	return nil
}

type fakeStorageState struct {
	cleaned []types.InstanceIdent
	removed []types.InstanceIdent
}

func (f *fakeStorageState) Cleanup(ident types.InstanceIdent) error {
	f.cleaned = append(f.cleaned, ident)
	return nil
}

func (f *fakeStorageState) Remove(ident types.InstanceIdent) error {
	f.removed = append(f.removed, ident)
	return nil
}

func testInfo() types.InstanceInfo {
	return types.InstanceInfo{
		InstanceIdent: types.InstanceIdent{ItemID: "svc1", SubjectID: "subj1", InstanceIndex: 0, Type: types.ItemTypeService},
		State:         types.InstanceStateCached,
	}
}

func TestComponentScheduleAndCache(t *testing.T) {
	storage := &fakeStorage{}
	c := NewComponent(testInfo(), storage)

	require.NoError(t, c.Init())
	require.NoError(t, c.Schedule(c.Info(), "node-1"))
	assert.Equal(t, types.InstanceStateActive, c.Info().State)
	assert.Equal(t, "node-1", c.Info().NodeID)

	require.NoError(t, c.Cache(false))
	assert.Equal(t, types.InstanceStateCached, c.Info().State)
	assert.Empty(t, c.Info().NodeID)

	assert.Zero(t, c.GetRequestedCPU(types.NodeConfig{}, ServiceConfig{}))
	assert.Zero(t, c.GetRequestedRAM(types.NodeConfig{}, ServiceConfig{}))
}

func TestServiceInitAcquiresUIDAndGID(t *testing.T) {
	storage := &fakeStorage{}
	uids := newFakeUIDPool(2000)
	gids := newFakeGIDPool(3000)
	state := &fakeStorageState{}

	s := NewService(testInfo(), storage, uids, gids, state)
	require.NoError(t, s.Init())

	assert.Equal(t, 2000, s.Info().UID)
	assert.Equal(t, 3000, s.Info().GID)
}

func TestServiceInitRespectsPersistedUID(t *testing.T) {
	storage := &fakeStorage{}
	uids := newFakeUIDPool(2000)
	gids := newFakeGIDPool(3000)
	state := &fakeStorageState{}

	info := testInfo()
	info.UID = 2500
	require.NoError(t, uids.TryAcquire(2400)) // occupy something else first

	s := NewService(info, storage, uids, gids, state)
	require.NoError(t, s.Init())

	assert.Equal(t, 2500, s.Info().UID)
}

func TestServiceCacheCleansStateDirectory(t *testing.T) {
	storage := &fakeStorage{}
	state := &fakeStorageState{}
	s := NewService(testInfo(), storage, newFakeUIDPool(1), newFakeGIDPool(1), state)

	require.NoError(t, s.Cache(true))
	assert.Equal(t, types.InstanceStateDisabled, s.Info().State)
	assert.Len(t, state.cleaned, 1)
}

func TestServiceRemoveReleasesUIDAndGID(t *testing.T) {
	storage := &fakeStorage{}
	uids := newFakeUIDPool(2000)
	gids := newFakeGIDPool(3000)
	state := &fakeStorageState{}

	s := NewService(testInfo(), storage, uids, gids, state)
	require.NoError(t, s.Init())

	require.NoError(t, s.Remove())

	assert.False(t, uids.acquired[2000])
	assert.Len(t, state.removed, 1)
	assert.Len(t, storage.removed, 1)
}

func TestServiceSetErrorClearsNodeAndSetsPrevNode(t *testing.T) {
	storage := &fakeStorage{}
	s := NewService(testInfo(), storage, newFakeUIDPool(1), newFakeGIDPool(1), &fakeStorageState{})

	require.NoError(t, s.Schedule(s.Info(), "node-1"))
	require.NoError(t, s.SetError(aoserrors.Timeout(errors.New("dispatch timed out"))))

	info := s.Info()
	assert.Empty(t, info.NodeID)
	assert.Equal(t, "node-1", info.PrevNodeID)
	assert.Equal(t, types.RunStateFailed, s.Status().State)
}

func TestServiceGetRequestedCPUClampsToQuota(t *testing.T) {
	storage := &fakeStorage{}
	s := NewService(testInfo(), storage, newFakeUIDPool(1), newFakeGIDPool(1), &fakeStorageState{})

	cfg := ServiceConfig{RequestedCPU: 900, CPUDMIPSLimit: 500}
	assert.Equal(t, int64(500), s.GetRequestedCPU(types.NodeConfig{}, cfg))
}

func TestServiceGetRequestedCPUFallsBackToRatio(t *testing.T) {
	storage := &fakeStorage{}
	s := NewService(testInfo(), storage, newFakeUIDPool(1), newFakeGIDPool(1), &fakeStorageState{})

	cfg := ServiceConfig{CPUDMIPSLimit: 1000}
	nodeConfig := types.NodeConfig{ResourceRatios: types.ResourceRatios{CPUPercent: 25}}
	assert.Equal(t, int64(250), s.GetRequestedCPU(nodeConfig, cfg))
}

func TestServiceGetRequestedCPUDefaultsRatioTo50Percent(t *testing.T) {
	storage := &fakeStorage{}
	s := NewService(testInfo(), storage, newFakeUIDPool(1), newFakeGIDPool(1), &fakeStorageState{})

	cfg := ServiceConfig{CPUDMIPSLimit: 1000}
	assert.Equal(t, int64(500), s.GetRequestedCPU(types.NodeConfig{}, cfg))
}

type fakeImageInfoProvider struct {
	imageErr   error
	serviceErr error
}

func (f fakeImageInfoProvider) LoadImageConfig(types.Digest) (ImageConfig, error) {
	return ImageConfig{}, f.imageErr
}

func (f fakeImageInfoProvider) LoadServiceConfig(types.Digest) (ServiceConfig, error) {
	return ServiceConfig{}, f.serviceErr
}

func TestServiceIsImageValidRequiresBothConfigs(t *testing.T) {
	storage := &fakeStorage{}
	s := NewService(testInfo(), storage, newFakeUIDPool(1), newFakeGIDPool(1), &fakeStorageState{})

	assert.True(t, s.IsImageValid(fakeImageInfoProvider{}))
	assert.False(t, s.IsImageValid(fakeImageInfoProvider{imageErr: errors.New("missing")}))
	assert.False(t, s.IsImageValid(fakeImageInfoProvider{serviceErr: errors.New("missing")}))
}

func TestComponentIsImageValid(t *testing.T) {
	c := NewComponent(testInfo(), &fakeStorage{})
	assert.True(t, c.IsImageValid(fakeImageInfoProvider{}))
	assert.False(t, c.IsImageValid(fakeImageInfoProvider{imageErr: errors.New("missing")}))
}
