// Package imagemanager owns the on-disk content store and the versioned
// update-item catalog: it installs, caches, reverts, and evicts
// (id, version) rows, deduplicating blob downloads by digest and
// unpacking service-item layers for the runtime to mount.
package imagemanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/spaceallocator"
	"github.com/cuemby/aoslauncher/pkg/types"
)

// annotationServiceConfigDigest names the manifest annotation that points
// at the service-specific config blob (quotas, runtimes, resources),
// distinct from the OCI image config blob.
const annotationServiceConfigDigest = "io.aos.service-config.digest"

// BlobInfo is one resolved download location for a digest.
type BlobInfo struct {
	Digest types.Digest
	URL    string
	Size   int64
}

// BlobInfoProvider resolves download URLs (and sizes) for blob digests.
// Satisfied by the cloud-facing client, injected so this package never
// touches the wire protocol directly.
type BlobInfoProvider interface {
	GetBlobsInfo(digests []types.Digest) ([]BlobInfo, error)
}

// Downloader fetches a blob into a destination path. Satisfied by the
// cloud-facing client; never implemented in this package.
type Downloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// ImageHandler unpacks a downloaded layer archive and computes its
// content-addressed diff digest.
type ImageHandler interface {
	UnpackLayer(packedPath, destPath, mediaType string) error
	GetUnpackedLayerSize(packedPath, mediaType string) (int64, bool)
	GetUnpackedLayerDigest(unpackedPath string) (digest.Digest, error)
}

// SpaceAllocator is the subset of pkg/spaceallocator.Allocator the image
// manager draws disk budget from.
type SpaceAllocator interface {
	AllocateSpace(size uint64) (*spaceallocator.Space, error)
	AddOutdatedItem(id string, size uint64, timestamp time.Time) error
	RestoreOutdatedItem(id string) error
}

// Storage is the catalog persistence collaborator. Satisfied by pkg/storage.
type Storage interface {
	AddUpdateItem(info types.ItemInfo) error
	UpdateUpdateItem(info types.ItemInfo) error
	RemoveUpdateItem(id, version string) error
	GetUpdateItem(id, version string) (types.ItemInfo, error)
	GetAllUpdateItems() ([]types.ItemInfo, error)
}

// Config tunes the outdated-item eviction timer.
type Config struct {
	BlobsDir             string
	LayersDir            string
	UpdateItemTTL        time.Duration
	RemoveOutdatedPeriod time.Duration
}

// DefaultConfig returns spec defaults (24h eviction cadence).
func DefaultConfig(blobsDir, layersDir string) Config {
	return Config{
		BlobsDir:             blobsDir,
		LayersDir:            layersDir,
		UpdateItemTTL:        7 * 24 * time.Hour,
		RemoveOutdatedPeriod: 24 * time.Hour,
	}
}

type pendingDownload struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	err  error
}

// Manager implements the blob store and update-item state machine.
type Manager struct {
	cfg        Config
	storage    Storage
	space      SpaceAllocator
	blobInfo   BlobInfoProvider
	downloader Downloader
	handler    ImageHandler
	logger     zerolog.Logger

	mu sync.Mutex // guards catalog transitions (install/uninstall/revert/remove)

	inProgressMu sync.Mutex
	inProgress   map[types.Digest]*pendingDownload

	cancelMu  sync.Mutex
	cancelled bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a Manager from its collaborators.
func New(cfg Config, storage Storage, space SpaceAllocator, blobInfo BlobInfoProvider, downloader Downloader, handler ImageHandler) *Manager {
	if cfg.RemoveOutdatedPeriod <= 0 {
		cfg.RemoveOutdatedPeriod = 24 * time.Hour
	}
	return &Manager{
		cfg:        cfg,
		storage:    storage,
		space:      space,
		blobInfo:   blobInfo,
		downloader: downloader,
		handler:    handler,
		logger:     log.WithComponent("imagemanager"),
		inProgress: make(map[types.Digest]*pendingDownload),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the startup eviction pass and launches the recurring timer.
func (m *Manager) Start() {
	m.evictOutdated()
	m.wg.Add(1)
	go m.runEvictionLoop()
}

// Stop halts the eviction timer.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) runEvictionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RemoveOutdatedPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictOutdated()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictOutdated() {
	rows, err := m.storage.GetAllUpdateItems()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load catalog for outdated-item eviction")
		return
	}

	now := time.Now()
	for _, row := range rows {
		if row.State != types.ItemStateCached {
			continue
		}
		if now.Sub(row.Timestamp) < m.cfg.UpdateItemTTL {
			continue
		}
		row.State = types.ItemStateOutdated
		if err := m.storage.UpdateUpdateItem(row); err != nil {
			m.logger.Error().Err(err).Str("id", row.ID).Msg("failed to mark item outdated")
			continue
		}
		if err := m.RemoveItem(row.ID, row.Version); err != nil {
			m.logger.Error().Err(err).Str("id", row.ID).Msg("failed to remove outdated item")
		}
	}
}

// Cancel sets a flag that each blob download checks once, before it
// starts; a download already in progress is not interrupted.
func (m *Manager) Cancel() {
	m.cancelMu.Lock()
	m.cancelled = true
	m.cancelMu.Unlock()
}

// Resume clears a previous Cancel so new operations may proceed.
func (m *Manager) Resume() {
	m.cancelMu.Lock()
	m.cancelled = false
	m.cancelMu.Unlock()
}

func (m *Manager) isCancelled() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.cancelled
}

// Install runs the full install pipeline for info, applying the semver
// comparison rule against any existing rows for info.ID before touching
// the store.
func (m *Manager) Install(ctx context.Context, info types.UpdateItemInfo) (types.ItemInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.storage.GetAllUpdateItems()
	if err != nil {
		return types.ItemInfo{}, err
	}

	target, err := semver.NewVersion(info.Version)
	if err != nil {
		return types.ItemInfo{}, aoserrors.New(aoserrors.KindInvalidArgument, "malformed version: "+err.Error())
	}

	var installedRow *types.ItemInfo
	var cachedSameVersion *types.ItemInfo
	var cachedLesser []types.ItemInfo

	for i := range rows {
		row := rows[i]
		if row.ID != info.ID {
			continue
		}
		switch row.State {
		case types.ItemStateInstalled:
			installedRow = &row
		case types.ItemStateCached:
			rowVer, verErr := semver.NewVersion(row.Version)
			if verErr != nil {
				continue
			}
			switch {
			case rowVer.Compare(*target) == 0:
				cachedSameVersion = &row
			case rowVer.LessThan(*target):
				cachedLesser = append(cachedLesser, row)
			}
		}
	}

	if installedRow != nil {
		installedVer, verErr := semver.NewVersion(installedRow.Version)
		if verErr == nil {
			if installedVer.Compare(*target) == 0 {
				return *installedRow, aoserrors.New(aoserrors.KindAlreadyExist, "version already installed")
			}
			if target.LessThan(*installedVer) {
				return types.ItemInfo{}, aoserrors.New(aoserrors.KindWrongState, "refusing to install an older version over an installed one")
			}
		}
	}

	if cachedSameVersion != nil {
		promoted := *cachedSameVersion
		promoted.State = types.ItemStateInstalled
		promoted.Timestamp = time.Now()
		if err := m.storage.UpdateUpdateItem(promoted); err != nil {
			return types.ItemInfo{}, err
		}
		if installedRow != nil {
			if err := m.demoteToCache(*installedRow); err != nil {
				m.logger.Warn().Err(err).Str("id", installedRow.ID).Msg("failed to cache previous installed row")
			}
		}
		return promoted, nil
	}

	for _, stale := range cachedLesser {
		if err := m.removeItemLocked(stale.ID, stale.Version); err != nil {
			m.logger.Warn().Err(err).Str("id", stale.ID).Str("version", stale.Version).Msg("failed to remove stale cached row before install")
		}
	}

	fresh, err := m.installFresh(ctx, info)
	if err != nil {
		return types.ItemInfo{}, err
	}

	if installedRow != nil {
		if err := m.demoteToCache(*installedRow); err != nil {
			m.logger.Warn().Err(err).Str("id", installedRow.ID).Msg("failed to cache previous installed row")
		}
	}

	return fresh, nil
}

func (m *Manager) demoteToCache(row types.ItemInfo) error {
	row.State = types.ItemStateCached
	row.Timestamp = time.Now()
	return m.storage.UpdateUpdateItem(row)
}

// installFresh fetches the manifest, then every referenced blob (layers
// unpacked for service items, left packed for components), and inserts
// the new Installed row.
func (m *Manager) installFresh(ctx context.Context, info types.UpdateItemInfo) (types.ItemInfo, error) {
	manifestPath, err := m.installBlob(ctx, types.ContentDescriptor{Digest: info.ManifestDigest})
	if err != nil {
		return types.ItemInfo{}, err
	}

	manifest, err := readManifest(manifestPath)
	if err != nil {
		return types.ItemInfo{}, err
	}

	if _, err := m.installBlob(ctx, descriptorOf(manifest.Config)); err != nil {
		return types.ItemInfo{}, err
	}

	var imgConfig v1.Image
	if info.Type == types.ItemTypeService {
		imgConfig, err = m.loadImageConfig(manifest)
		if err != nil {
			return types.ItemInfo{}, err
		}
	}

	for i, layer := range manifest.Layers {
		descriptor := descriptorOf(layer)
		layerPath, err := m.installBlob(ctx, descriptor)
		if err != nil {
			return types.ItemInfo{}, err
		}

		if info.Type != types.ItemTypeService {
			continue
		}

		var diffID digest.Digest
		if i < len(imgConfig.RootFS.DiffIDs) {
			diffID = imgConfig.RootFS.DiffIDs[i]
		}
		if err := m.unpackLayer(layerPath, layer.MediaType, diffID); err != nil {
			return types.ItemInfo{}, err
		}
	}

	row := types.ItemInfo{
		ID:             info.ID,
		Type:           info.Type,
		Version:        info.Version,
		ManifestDigest: info.ManifestDigest,
		State:          types.ItemStateInstalled,
		Timestamp:      time.Now(),
	}
	if err := m.storage.AddUpdateItem(row); err != nil {
		return types.ItemInfo{}, err
	}
	return row, nil
}

// Uninstall moves every row for id from Installed to Cached, and deletes
// every already-Cached row outright.
func (m *Manager) Uninstall(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.storage.GetAllUpdateItems()
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.ID != id {
			continue
		}
		switch row.State {
		case types.ItemStateInstalled:
			if err := m.demoteToCache(row); err != nil {
				return err
			}
		case types.ItemStateCached:
			if err := m.removeItemLocked(row.ID, row.Version); err != nil {
				return err
			}
		}
	}
	return nil
}

// Revert deletes id's current Installed row and promotes its Cached row
// (if any) back to Installed.
func (m *Manager) Revert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.storage.GetAllUpdateItems()
	if err != nil {
		return err
	}

	var installedRow, cachedRow *types.ItemInfo
	for i := range rows {
		row := rows[i]
		if row.ID != id {
			continue
		}
		switch row.State {
		case types.ItemStateInstalled:
			installedRow = &row
		case types.ItemStateCached:
			cachedRow = &row
		}
	}

	if installedRow == nil {
		return aoserrors.New(aoserrors.KindNotFound, "no installed row for item")
	}
	if err := m.removeItemLocked(installedRow.ID, installedRow.Version); err != nil {
		return err
	}

	if cachedRow != nil {
		cachedRow.State = types.ItemStateInstalled
		cachedRow.Timestamp = time.Now()
		return m.storage.UpdateUpdateItem(*cachedRow)
	}
	return nil
}

// RemoveItem is the space allocator's eviction callback: it physically
// deletes id/version's blobs that become unreferenced, restores the
// outdated-item queue entry, and deletes the catalog row.
func (m *Manager) RemoveItem(id, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeItemLocked(id, version)
}

func (m *Manager) removeItemLocked(id, version string) error {
	row, err := m.storage.GetUpdateItem(id, version)
	if err != nil {
		return err
	}

	referencedBlobs, referencedDiffIDs, err := m.collectReferencedDigests(id, version)
	if err != nil {
		return err
	}

	manifestPath := m.blobPath(row.ManifestDigest)
	if manifest, err := readManifest(manifestPath); err == nil {
		var diffIDs []digest.Digest
		if row.Type == types.ItemTypeService {
			if imgConfig, err := m.loadImageConfig(manifest); err == nil {
				diffIDs = imgConfig.RootFS.DiffIDs
			}
		}

		for i, layer := range manifest.Layers {
			if row.Type == types.ItemTypeService && i < len(diffIDs) && !referencedDiffIDs[diffIDs[i]] {
				os.RemoveAll(m.layerDir(diffIDs[i]))
			}
			layerDigest := types.Digest(layer.Digest.String())
			if !referencedBlobs[layerDigest] {
				os.Remove(m.blobPath(layerDigest))
			}
		}
		configDigest := types.Digest(manifest.Config.Digest.String())
		if !referencedBlobs[configDigest] {
			os.Remove(m.blobPath(configDigest))
		}
	}
	if !referencedBlobs[row.ManifestDigest] {
		os.Remove(manifestPath)
	}

	if err := m.storage.RemoveUpdateItem(id, version); err != nil {
		return err
	}
	if err := m.space.RestoreOutdatedItem(catalogKey(id, version)); err != nil {
		m.logger.Debug().Err(err).Str("id", id).Msg("no outdated-queue entry to restore")
	}
	return nil
}

// collectReferencedDigests returns the blob digests (manifest, image
// config, layers) and unpacked-layer diffIDs still referenced by every
// update-item row except (excludeID, excludeVersion). removeItemLocked
// uses this so it never deletes a blob or unpacked layer a surviving
// Installed/Cached item's manifest closure still points at (two items can
// share a layer digest after deduplicated installation).
func (m *Manager) collectReferencedDigests(excludeID, excludeVersion string) (map[types.Digest]bool, map[digest.Digest]bool, error) {
	rows, err := m.storage.GetAllUpdateItems()
	if err != nil {
		return nil, nil, err
	}

	blobs := make(map[types.Digest]bool)
	diffIDs := make(map[digest.Digest]bool)

	for _, row := range rows {
		if row.ID == excludeID && row.Version == excludeVersion {
			continue
		}

		manifest, err := readManifest(m.blobPath(row.ManifestDigest))
		if err != nil {
			continue
		}
		blobs[row.ManifestDigest] = true
		blobs[types.Digest(manifest.Config.Digest.String())] = true

		var rowDiffIDs []digest.Digest
		if row.Type == types.ItemTypeService {
			if imgConfig, err := m.loadImageConfig(manifest); err == nil {
				rowDiffIDs = imgConfig.RootFS.DiffIDs
			}
		}

		for i, layer := range manifest.Layers {
			blobs[types.Digest(layer.Digest.String())] = true
			if row.Type == types.ItemTypeService && i < len(rowDiffIDs) {
				diffIDs[rowDiffIDs[i]] = true
			}
		}
	}

	return blobs, diffIDs, nil
}

// GetLayerPath validates and returns the path of the unpacked layer file
// (the "layer" file inside the layer's directory) for diffID, failing with InvalidChecksum if the stored digest doesn't
// match what was written at unpack time.
func (m *Manager) GetLayerPath(diffID digest.Digest) (string, error) {
	dir := m.layerDir(diffID)
	storedDigest, err := os.ReadFile(filepath.Join(dir, "digest"))
	if err != nil {
		return "", aoserrors.New(aoserrors.KindNotFound, "layer not installed")
	}
	if string(storedDigest) != diffID.String() {
		return "", aoserrors.New(aoserrors.KindInvalidChecksum, "stored layer digest does not match diffID")
	}

	recomputed, err := m.handler.GetUnpackedLayerDigest(filepath.Join(dir, "layer"))
	if err != nil || recomputed.String() != diffID.String() {
		return "", aoserrors.New(aoserrors.KindInvalidChecksum, "unpacked layer failed re-validation")
	}

	return filepath.Join(dir, "layer"), nil
}

// LoadImageIndex satisfies pkg/balancer.ImageIndexProvider: the ordered
// manifest digest list for an installed item version. This store keeps
// one manifest per (id, version), so the index is a single-element list.
func (m *Manager) LoadImageIndex(itemID, version string) ([]types.Digest, error) {
	row, err := m.storage.GetUpdateItem(itemID, version)
	if err != nil {
		return nil, err
	}
	return []types.Digest{row.ManifestDigest}, nil
}

// LoadImageConfig satisfies pkg/instance.ImageInfoProvider.
func (m *Manager) LoadImageConfig(manifestDigest types.Digest) (instance.ImageConfig, error) {
	manifest, err := readManifest(m.blobPath(manifestDigest))
	if err != nil {
		return instance.ImageConfig{}, err
	}
	imgConfig, err := m.loadImageConfig(manifest)
	if err != nil {
		return instance.ImageConfig{}, err
	}
	return instance.ImageConfig{
		OS:           imgConfig.OS,
		Architecture: imgConfig.Architecture,
		Variant:      imgConfig.Variant,
		OSVersion:    imgConfig.OSVersion,
		OSFeatures:   imgConfig.OSFeatures,
		ExposedPorts: exposedPorts(imgConfig.Config.ExposedPorts),
	}, nil
}

// exposedPorts flattens the OCI image config's ExposedPorts set into a
// sorted slice for deterministic network-update ordering.
func exposedPorts(ports map[string]struct{}) []string {
	if len(ports) == 0 {
		return nil
	}
	out := make([]string, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LoadServiceConfig satisfies pkg/instance.ImageInfoProvider.
func (m *Manager) LoadServiceConfig(manifestDigest types.Digest) (instance.ServiceConfig, error) {
	manifest, err := readManifest(m.blobPath(manifestDigest))
	if err != nil {
		return instance.ServiceConfig{}, err
	}

	digestStr, ok := manifest.Annotations[annotationServiceConfigDigest]
	if !ok {
		return instance.ServiceConfig{}, aoserrors.New(aoserrors.KindNotFound, "manifest has no service config annotation")
	}

	raw, err := os.ReadFile(m.blobPath(types.Digest(digestStr)))
	if err != nil {
		return instance.ServiceConfig{}, aoserrors.New(aoserrors.KindNotFound, "service config blob missing")
	}

	var cfg instance.ServiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return instance.ServiceConfig{}, aoserrors.New(aoserrors.KindInvalidArgument, "malformed service config: "+err.Error())
	}
	return cfg, nil
}

func (m *Manager) loadImageConfig(manifest v1.Manifest) (v1.Image, error) {
	raw, err := os.ReadFile(m.blobPath(types.Digest(manifest.Config.Digest.String())))
	if err != nil {
		return v1.Image{}, aoserrors.New(aoserrors.KindNotFound, "image config blob missing")
	}
	var imgConfig v1.Image
	if err := json.Unmarshal(raw, &imgConfig); err != nil {
		return v1.Image{}, aoserrors.New(aoserrors.KindInvalidArgument, "malformed image config: "+err.Error())
	}
	return imgConfig, nil
}

// installBlob implements the idempotent, deduplicated blob install steps
// (§ blob installation): validate-or-fetch, with parallel-download
// dedup keyed by digest.
func (m *Manager) installBlob(ctx context.Context, descriptor types.ContentDescriptor) (string, error) {
	path := m.blobPath(descriptor.Digest)

	for {
		if valid, statErr := validateBlobFile(path, descriptor.Digest); statErr == nil && valid {
			return path, nil
		} else if statErr == nil && !valid {
			os.Remove(path)
		}

		m.inProgressMu.Lock()
		if pending, ok := m.inProgress[descriptor.Digest]; ok {
			m.inProgressMu.Unlock()

			pending.mu.Lock()
			for !pending.done {
				pending.cond.Wait()
			}
			err := pending.err
			pending.mu.Unlock()

			if err != nil {
				return "", err
			}
			continue
		}

		pending := &pendingDownload{}
		pending.cond = sync.NewCond(&pending.mu)
		m.inProgress[descriptor.Digest] = pending
		m.inProgressMu.Unlock()

		resultPath, err := m.downloadBlob(ctx, descriptor, path)

		m.inProgressMu.Lock()
		delete(m.inProgress, descriptor.Digest)
		m.inProgressMu.Unlock()

		pending.mu.Lock()
		pending.done = true
		pending.err = err
		pending.mu.Unlock()
		pending.cond.Broadcast()

		if err != nil {
			return "", err
		}
		return resultPath, nil
	}
}

func (m *Manager) downloadBlob(ctx context.Context, descriptor types.ContentDescriptor, path string) (string, error) {
	size := descriptor.Size
	infos, err := m.blobInfo.GetBlobsInfo([]types.Digest{descriptor.Digest})
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", aoserrors.New(aoserrors.KindNotFound, "no blob location for digest")
	}
	if size == 0 {
		size = infos[0].Size
	}

	space, err := m.space.AllocateSpace(uint64(size))
	if err != nil {
		return "", aoserrors.New(aoserrors.KindNoMemory, "failed to allocate space for blob: "+err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		space.Release()
		return "", err
	}

	if m.isCancelled() {
		space.Release()
		return "", aoserrors.New(aoserrors.KindWrongState, "download cancelled")
	}

	if err := m.downloader.Download(ctx, infos[0].URL, path); err != nil {
		os.Remove(path)
		space.Release()
		return "", err
	}

	if valid, err := validateBlobFile(path, descriptor.Digest); err != nil || !valid {
		os.Remove(path)
		space.Release()
		return "", aoserrors.New(aoserrors.KindInvalidChecksum, "downloaded blob failed checksum validation")
	}

	if err := space.Accept(); err != nil {
		return "", err
	}
	return path, nil
}

// unpackLayer implements the layer unpacking steps: allocate, expand,
// stamp digest+size, validate, then free the now-redundant packed blob.
func (m *Manager) unpackLayer(packedPath, mediaType string, diffID digest.Digest) (err error) {
	layerDir := m.layerDir(diffID)
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return err
	}
	unpackedPath := filepath.Join(layerDir, "layer")

	if size, ok := m.handler.GetUnpackedLayerSize(packedPath, mediaType); ok {
		space, allocErr := m.space.AllocateSpace(uint64(size))
		if allocErr != nil {
			return aoserrors.New(aoserrors.KindNoMemory, "failed to allocate space for unpacked layer: "+allocErr.Error())
		}
		defer func() {
			if err != nil {
				space.Release()
			} else {
				_ = space.Accept()
			}
		}()
	}

	if err := m.handler.UnpackLayer(packedPath, unpackedPath, mediaType); err != nil {
		return err
	}

	computed, err := m.handler.GetUnpackedLayerDigest(unpackedPath)
	if err != nil {
		return err
	}
	if computed.String() != diffID.String() {
		return aoserrors.New(aoserrors.KindInvalidChecksum, "unpacked layer digest does not match image config diffID")
	}

	if err := os.WriteFile(filepath.Join(layerDir, "digest"), []byte(diffID.String()), 0o644); err != nil {
		return err
	}

	unpackedSize, err := dirSize(unpackedPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(layerDir, "size"), []byte(strconv.FormatInt(unpackedSize, 10)), 0o644); err != nil {
		return err
	}

	os.Remove(packedPath)
	return nil
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func validateBlobFile(path string, want types.Digest) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	sum := sha256.Sum256(data)
	got := "sha256:" + hex.EncodeToString(sum[:])
	return got == string(want), nil
}

func (m *Manager) blobPath(d types.Digest) string {
	alg, hexPart := splitDigest(d)
	return filepath.Join(m.cfg.BlobsDir, alg, hexPart)
}

func (m *Manager) layerDir(d digest.Digest) string {
	alg, hexPart := splitDigest(types.Digest(d.String()))
	return filepath.Join(m.cfg.LayersDir, alg, hexPart)
}

func splitDigest(d types.Digest) (alg, hexPart string) {
	parsed := digest.Digest(d)
	if err := parsed.Validate(); err != nil {
		return "sha256", string(d)
	}
	return string(parsed.Algorithm()), parsed.Encoded()
}

func descriptorOf(d v1.Descriptor) types.ContentDescriptor {
	return types.ContentDescriptor{Digest: types.Digest(d.Digest.String()), Size: d.Size}
}

func readManifest(path string) (v1.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return v1.Manifest{}, aoserrors.New(aoserrors.KindNotFound, "manifest blob missing")
	}
	var manifest v1.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return v1.Manifest{}, aoserrors.New(aoserrors.KindInvalidArgument, "malformed manifest: "+err.Error())
	}
	return manifest, nil
}

func catalogKey(id, version string) string {
	return id + "@" + version
}
