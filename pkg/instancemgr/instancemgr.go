// Package instancemgr implements the instance manager: it owns the
// active/stash/cached instance sets the balancer and launcher operate on,
// and the two background timers that evict stale cache entries and time
// out instances stuck Activating.
package instancemgr

import (
	"sync"
	"time"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the cleanup and timeout timers.
type Config struct {
	ServiceTTL             time.Duration // cached instances older than this are removed
	NodesConnectionTimeout time.Duration // period of the tick that fails every active instance still Activating
	CleanupInterval        time.Duration // cadence of the cleanup tick, default once a day
}

// DefaultConfig returns the spec's default timer values.
func DefaultConfig() Config {
	return Config{
		ServiceTTL:             7 * 24 * time.Hour,
		NodesConnectionTimeout: time.Minute,
		CleanupInterval:        24 * time.Hour,
	}
}

// Factory constructs the right Instance variant for a persisted row.
type Factory interface {
	NewInstance(info types.InstanceInfo) instance.Instance
}

// Manager owns the active/stash/cached instance sets.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	active []instance.Instance
	stash  []instance.Instance
	cached []instance.Instance

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager and loads persisted rows from storage through
// factory, which already knows how to wrap each row as Component/Service.
func New(cfg Config, factory Factory, persisted []types.InstanceInfo, imageProvider instance.ImageInfoProvider) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	m := &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  log.WithComponent("instancemgr"),
		stopCh:  make(chan struct{}),
	}

	for _, info := range persisted {
		inst := factory.NewInstance(info)
		if !inst.IsImageValid(imageProvider) {
			m.logger.Warn().Str("instance", info.InstanceIdent.String()).Msg("dropping instance with invalid image on startup")
			continue
		}

		switch info.State {
		case types.InstanceStateActive:
			m.active = append(m.active, inst)
		case types.InstanceStateCached, types.InstanceStateDisabled:
			m.cached = append(m.cached, inst)
		}
	}

	return m
}

// Start launches the cleanup and timeout background timers.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runCleanupLoop()
}

// Stop halts the background timers and waits for them to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) runCleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	timeoutTicker := time.NewTicker(m.cfg.NodesConnectionTimeout)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpiredCache()
		case <-timeoutTicker.C:
			m.timeoutStuckInstances()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictExpiredCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.cached[:0]
	now := time.Now()
	for _, inst := range m.cached {
		if now.Sub(inst.Info().Timestamp) >= m.cfg.ServiceTTL {
			if err := inst.Remove(); err != nil {
				m.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("cached instance removal failed")
				kept = append(kept, inst)
				continue
			}
			continue
		}
		kept = append(kept, inst)
	}
	m.cached = kept
}

func (m *Manager) timeoutStuckInstances() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.active {
		if inst.Status().State == types.RunStateActivating {
			if err := inst.SetError(aoserrors.New(aoserrors.KindTimeout, "node did not report status before the connection timeout")); err != nil {
				m.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("failed to mark stuck instance as failed")
			}
		}
	}
}

// AddInstanceToStash moves ident into the stash under construction: a
// no-op if already stashed, a move if active or cached, otherwise a fresh row.
func (m *Manager) AddInstanceToStash(ident types.InstanceIdent, request types.RunInstanceRequest) (instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst := findByIdent(m.stash, ident); inst != nil {
		return inst, nil
	}

	if idx := indexByIdent(m.active, ident); idx >= 0 {
		inst := m.active[idx]
		m.active = append(m.active[:idx], m.active[idx+1:]...)
		m.stash = append(m.stash, inst)
		return inst, nil
	}

	if idx := indexByIdent(m.cached, ident); idx >= 0 {
		inst := m.cached[idx]
		m.cached = append(m.cached[:idx], m.cached[idx+1:]...)
		m.stash = append(m.stash, inst)
		return inst, nil
	}

	info := types.InstanceInfo{
		InstanceIdent: ident,
		UpdateItemType: request.UpdateItemType,
		Timestamp:     time.Now(),
		State:         types.InstanceStateCached,
	}
	inst := m.factory.NewInstance(info)
	if err := inst.Init(); err != nil {
		return nil, err
	}
	m.stash = append(m.stash, inst)
	return inst, nil
}

// SubmitStash caches every previously-active instance not present in the
// stash, then makes the stash the new active set.
func (m *Manager) SubmitStash() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.active {
		if findByIdent(m.stash, inst.Ident()) != nil {
			continue
		}
		if err := inst.Cache(false); err != nil {
			m.logger.Error().Err(err).Str("instance", inst.Ident().String()).Msg("failed to cache instance dropped from stash")
			continue
		}
		m.cached = append(m.cached, inst)
	}

	m.active = m.stash
	m.stash = nil
	return nil
}

// UpdateStatus locates the active instance by ident and delegates.
func (m *Manager) UpdateStatus(status types.InstanceStatus) error {
	m.mu.Lock()
	inst := findByIdent(m.active, status.InstanceIdent)
	m.mu.Unlock()

	if inst == nil {
		return aoserrors.New(aoserrors.KindNotFound, "instance not in the active set")
	}
	return inst.UpdateStatus(status)
}

// UpdateMonitoringData attaches per-instance monitoring samples to the
// matching active Instance so the balancer can read live usage.
func (m *Manager) UpdateMonitoringData(samples []types.InstanceMonitoringData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sample := range samples {
		if inst := findByIdent(m.active, sample.InstanceIdent); inst != nil {
			inst.SetMonitoringData(sample)
		}
	}
}

// ActiveInstances returns a snapshot of the active set.
func (m *Manager) ActiveInstances() []instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]instance.Instance(nil), m.active...)
}

// StashedInstances returns a snapshot of the in-progress stash: the
// balancer's network update pass reads this before SubmitStash swaps it
// into active, so it can diff the outgoing active set against what's
// actually being kept.
func (m *Manager) StashedInstances() []instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]instance.Instance(nil), m.stash...)
}

// CachedInstances returns a snapshot of the cached set.
func (m *Manager) CachedInstances() []instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]instance.Instance(nil), m.cached...)
}

func findByIdent(instances []instance.Instance, ident types.InstanceIdent) instance.Instance {
	if idx := indexByIdent(instances, ident); idx >= 0 {
		return instances[idx]
	}
	return nil
}

func indexByIdent(instances []instance.Instance, ident types.InstanceIdent) int {
	for i, inst := range instances {
		if inst.Ident().Equal(ident) {
			return i
		}
	}
	return -1
}
