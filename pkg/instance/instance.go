// Package instance implements the two Instance variants the balancer and
// instance manager operate on: a preinstalled Component (no dynamic
// resources, no storage/state directories, no UID/GID) and a schedulable
// Service (participates in CPU/RAM filtering, owns a UID and a
// per-item-shared GID, has its state directory cleaned on Cache and its
// storage/state directories removed on Remove).
package instance

import (
	"sync"
	"time"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// Storage is the persistence collaborator an Instance writes through.
// Satisfied by pkg/storage.
type Storage interface {
	AddInstance(info types.InstanceInfo) error
	UpdateInstance(info types.InstanceInfo) error
	RemoveInstance(ident types.InstanceIdent) error
}

// StorageState is the per-instance directory collaborator. Satisfied by
// pkg/storagestate.
type StorageState interface {
	Cleanup(ident types.InstanceIdent) error
	Remove(ident types.InstanceIdent) error
}

// UIDAllocator is the subset of pkg/idpool.UIDPool a Service instance needs.
type UIDAllocator interface {
	Acquire() (int, error)
	TryAcquire(id int) error
	Release(id int) error
}

// GIDAllocator is the subset of pkg/idpool.GIDPool a Service instance needs.
type GIDAllocator interface {
	GetGID(itemID string, requestedGID int) (int, error)
	Release(itemID string) error
}

// ServiceConfig is the subset of a service's OCI service config the
// balancer and instance need for placement and resource-request math.
type ServiceConfig struct {
	RequestedCPU       int64 // 0 = not declared
	RequestedRAM       int64
	CPUDMIPSLimit      int64 // 0 = unlimited
	RAMLimit           int64
	Resources          []types.SharedResource
	Runtimes           []string
	BalancingPolicy    types.BalancingPolicy
	Hostname           string   // network alias; empty means none requested
	AllowedConnections []string
}

// ImageConfig is the subset of an OCI image config needed for runtime
// matching (OS/arch/variant/features) and network setup.
type ImageConfig struct {
	OS           string
	Architecture string
	Variant      string
	OSVersion    string
	OSFeatures   []string
	ExposedPorts []string
}

// ImageInfoProvider resolves the config blobs an instance needs to
// validate itself. Satisfied by pkg/imagemanager.
type ImageInfoProvider interface {
	LoadImageConfig(manifestDigest types.Digest) (ImageConfig, error)
	LoadServiceConfig(manifestDigest types.Digest) (ServiceConfig, error)
}

// Instance is the common contract over the Component/Service polymorphism.
type Instance interface {
	Ident() types.InstanceIdent
	Info() types.InstanceInfo
	Status() types.InstanceStatus

	Init() error
	Schedule(info types.InstanceInfo, nodeID string) error
	SetError(err error) error
	UpdateStatus(status types.InstanceStatus) error
	Cache(disable bool) error
	Remove() error

	GetRequestedCPU(nodeConfig types.NodeConfig, svcConfig ServiceConfig) int64
	GetRequestedRAM(nodeConfig types.NodeConfig, svcConfig ServiceConfig) int64
	IsImageValid(provider ImageInfoProvider) bool

	MonitoringData() types.InstanceMonitoringData
	SetMonitoringData(data types.InstanceMonitoringData)
}

// base holds the fields and persistence plumbing common to both variants.
type base struct {
	mu         sync.Mutex
	info       types.InstanceInfo
	status     types.InstanceStatus
	monitoring types.InstanceMonitoringData
	storage    Storage
	logger     zerolog.Logger
}

func newBase(info types.InstanceInfo, storage Storage) base {
	return base{
		info:    info,
		status:  types.InstanceStatus{InstanceIdent: info.InstanceIdent, State: types.RunStateInactive},
		storage: storage,
		logger:  log.WithInstanceIdent(info.ItemID, info.SubjectID, info.InstanceIndex),
	}
}

func (b *base) Ident() types.InstanceIdent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info.InstanceIdent
}

func (b *base) Info() types.InstanceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

func (b *base) Status() types.InstanceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// MonitoringData returns the last monitoring sample attached to this
// instance, used by the balancer's needs-balancing CPU/RAM override.
func (b *base) MonitoringData() types.InstanceMonitoringData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.monitoring
}

// SetMonitoringData attaches a fresh monitoring sample, called by the
// instance manager when a new snapshot arrives.
func (b *base) SetMonitoringData(data types.InstanceMonitoringData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitoring = data
}

func (b *base) schedule(nodeID string) error {
	b.mu.Lock()
	b.info.NodeID = nodeID
	b.info.State = types.InstanceStateActive
	b.info.Timestamp = time.Now()
	b.status.State = types.RunStateActivating
	b.status.NodeID = nodeID
	info := b.info
	b.mu.Unlock()

	return b.storage.UpdateInstance(info)
}

func (b *base) setError(cause error) error {
	b.mu.Lock()
	b.status.State = types.RunStateFailed
	b.status.Error = cause
	b.info.PrevNodeID = b.info.NodeID
	b.info.NodeID = ""
	info := b.info
	b.mu.Unlock()

	return b.storage.UpdateInstance(info)
}

func (b *base) updateStatus(status types.InstanceStatus) error {
	b.mu.Lock()
	b.status = status
	b.info.NodeID = status.NodeID
	info := b.info
	b.mu.Unlock()

	return b.storage.UpdateInstance(info)
}

func (b *base) cache(disable bool) error {
	b.mu.Lock()
	if disable {
		b.info.State = types.InstanceStateDisabled
	} else {
		b.info.State = types.InstanceStateCached
	}
	b.info.PrevNodeID = b.info.NodeID
	b.info.NodeID = ""
	b.info.Timestamp = time.Now()
	info := b.info
	b.mu.Unlock()

	return b.storage.UpdateInstance(info)
}

func (b *base) remove() error {
	ident := b.Ident()
	if err := b.storage.RemoveInstance(ident); err != nil && !aoserrors.Is(err, aoserrors.KindNotFound) {
		return err
	}
	return nil
}

// Component is the preinstalled, non-schedulable instance variant: no
// dynamic CPU/RAM, no UID/GID, no storage/state directories.
type Component struct {
	base
}

// NewComponent wraps info as a Component instance.
func NewComponent(info types.InstanceInfo, storage Storage) *Component {
	return &Component{base: newBase(info, storage)}
}

func (c *Component) Init() error { return nil }

func (c *Component) Schedule(info types.InstanceInfo, nodeID string) error {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return c.schedule(nodeID)
}

func (c *Component) SetError(err error) error                  { return c.setError(err) }
func (c *Component) UpdateStatus(s types.InstanceStatus) error { return c.updateStatus(s) }
func (c *Component) Cache(disable bool) error                  { return c.cache(disable) }
func (c *Component) Remove() error                             { return c.remove() }

func (c *Component) GetRequestedCPU(types.NodeConfig, ServiceConfig) int64 { return 0 }
func (c *Component) GetRequestedRAM(types.NodeConfig, ServiceConfig) int64 { return 0 }

func (c *Component) IsImageValid(provider ImageInfoProvider) bool {
	_, err := provider.LoadImageConfig(c.Info().ManifestDigest)
	return err == nil
}

// Service is the schedulable instance variant: participates in CPU/RAM
// filtering and owns a UID and a per-item-shared GID.
type Service struct {
	base
	uids  UIDAllocator
	gids  GIDAllocator
	state StorageState
}

// NewService wraps info as a Service instance.
func NewService(info types.InstanceInfo, storage Storage, uids UIDAllocator, gids GIDAllocator, state StorageState) *Service {
	return &Service{base: newBase(info, storage), uids: uids, gids: gids, state: state}
}

// Init acquires the instance's UID, respecting a persisted value, and its
// item's shared GID.
func (s *Service) Init() error {
	s.mu.Lock()
	itemID := s.info.ItemID
	persistedUID := s.info.UID
	persistedGID := s.info.GID
	s.mu.Unlock()

	var uid int
	var err error
	if persistedUID != 0 {
		if err = s.uids.TryAcquire(persistedUID); err != nil {
			return err
		}
		uid = persistedUID
	} else {
		if uid, err = s.uids.Acquire(); err != nil {
			return err
		}
	}

	gid, err := s.gids.GetGID(itemID, persistedGID)
	if err != nil {
		_ = s.uids.Release(uid)
		return err
	}

	s.mu.Lock()
	s.info.UID = uid
	s.info.GID = gid
	info := s.info
	s.mu.Unlock()

	return s.storage.UpdateInstance(info)
}

func (s *Service) Schedule(info types.InstanceInfo, nodeID string) error {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	return s.schedule(nodeID)
}

func (s *Service) SetError(err error) error                   { return s.setError(err) }
func (s *Service) UpdateStatus(st types.InstanceStatus) error { return s.updateStatus(st) }

// Cache moves the instance to Cached/Disabled and cleans its state
// directory; storage survives.
func (s *Service) Cache(disable bool) error {
	if err := s.cache(disable); err != nil {
		return err
	}
	return s.state.Cleanup(s.Ident())
}

// Remove hard-removes the persisted row, releases the UID/GID, and
// deletes both the storage and state directories.
func (s *Service) Remove() error {
	info := s.Info()

	if err := s.remove(); err != nil {
		return err
	}
	if err := s.state.Remove(s.Ident()); err != nil {
		return err
	}
	if err := s.gids.Release(info.ItemID); err != nil {
		s.logger.Warn().Err(err).Msg("gid release failed during instance removal")
	}
	if info.UID != 0 {
		if err := s.uids.Release(info.UID); err != nil {
			s.logger.Warn().Err(err).Msg("uid release failed during instance removal")
		}
	}
	return nil
}

// GetRequestedCPU clamps the service's declared CPU request to its quota,
// or falls back to a percentage of the quota when no request is declared.
func (s *Service) GetRequestedCPU(nodeConfig types.NodeConfig, svcConfig ServiceConfig) int64 {
	return requestedResource(svcConfig.RequestedCPU, svcConfig.CPUDMIPSLimit, nodeConfig.ResourceRatios.CPUPercent)
}

// GetRequestedRAM mirrors GetRequestedCPU for the RAM pool.
func (s *Service) GetRequestedRAM(nodeConfig types.NodeConfig, svcConfig ServiceConfig) int64 {
	return requestedResource(svcConfig.RequestedRAM, svcConfig.RAMLimit, nodeConfig.ResourceRatios.CPUPercent)
}

func requestedResource(requested, limit int64, ratioPercent int) int64 {
	if requested > 0 {
		return clamp(requested, limit)
	}

	if ratioPercent <= 0 {
		ratioPercent = 50
	}

	return clamp(limit*int64(ratioPercent)/100, limit)
}

func clamp(value, limit int64) int64 {
	if limit > 0 && value > limit {
		return limit
	}
	return value
}

// IsImageValid loads both the image config and the service config; a
// service instance with either missing is not schedulable.
func (s *Service) IsImageValid(provider ImageInfoProvider) bool {
	digest := s.Info().ManifestDigest
	if _, err := provider.LoadImageConfig(digest); err != nil {
		return false
	}
	if _, err := provider.LoadServiceConfig(digest); err != nil {
		return false
	}
	return true
}

// DefaultFactory dispatches a persisted InstanceInfo row to the Component
// or Service variant by its Type, matching the polymorphism pkg/instancemgr
// loads rows through. Shared across every instance regardless of item.
type DefaultFactory struct {
	Storage      Storage
	UIDs         UIDAllocator
	GIDs         GIDAllocator
	StorageState StorageState
}

// NewInstance satisfies pkg/instancemgr.Factory.
func (f DefaultFactory) NewInstance(info types.InstanceInfo) Instance {
	if info.Type == types.ItemTypeComponent {
		return NewComponent(info, f.Storage)
	}
	return NewService(info, f.Storage, f.UIDs, f.GIDs, f.StorageState)
}
