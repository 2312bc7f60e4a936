package imagemanager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/spaceallocator"
	"github.com/cuemby/aoslauncher/pkg/types"
)

type fakeStorage struct {
	mu   sync.Mutex
	rows map[string]types.ItemInfo
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{rows: make(map[string]types.ItemInfo)}
}

func key(id, version string) string { return id + "/" + version }

func (s *fakeStorage) AddUpdateItem(info types.ItemInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key(info.ID, info.Version)] = info
	return nil
}

func (s *fakeStorage) UpdateUpdateItem(info types.ItemInfo) error {
	return s.AddUpdateItem(info)
}

func (s *fakeStorage) RemoveUpdateItem(id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key(id, version))
	return nil
}

func (s *fakeStorage) GetUpdateItem(id, version string) (types.ItemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key(id, version)]
	if !ok {
		return types.ItemInfo{}, aoserrors.New(aoserrors.KindNotFound, "no such item")
	}
	return row, nil
}

func (s *fakeStorage) GetAllUpdateItems() ([]types.ItemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]types.ItemInfo, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	return rows, nil
}

type fakeBlobInfo struct {
	mu    sync.Mutex
	infos map[types.Digest]BlobInfo
}

func newFakeBlobInfo() *fakeBlobInfo {
	return &fakeBlobInfo{infos: make(map[types.Digest]BlobInfo)}
}

func (f *fakeBlobInfo) register(d digest.Digest, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[types.Digest(d.String())] = BlobInfo{Digest: types.Digest(d.String()), URL: d.String(), Size: int64(len(content))}
}

func (f *fakeBlobInfo) GetBlobsInfo(digests []types.Digest) ([]BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BlobInfo
	for _, d := range digests {
		if info, ok := f.infos[d]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}

type fakeDownloader struct {
	mu       sync.Mutex
	content  map[string][]byte
	attempts int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{content: make(map[string][]byte)}
}

func (f *fakeDownloader) register(url string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[url] = content
}

func (f *fakeDownloader) Download(_ context.Context, url, destPath string) error {
	f.mu.Lock()
	f.attempts++
	content, ok := f.content[url]
	f.mu.Unlock()
	if !ok {
		return aoserrors.New(aoserrors.KindNotFound, "no such blob registered with downloader")
	}
	return os.WriteFile(destPath, content, 0o644)
}

const unpackedContent = "unpacked-layer-content"

type fakeImageHandler struct{}

func (fakeImageHandler) UnpackLayer(_, destPath, _ string) error {
	return os.WriteFile(destPath, []byte(unpackedContent), 0o644)
}

func (fakeImageHandler) GetUnpackedLayerSize(string, string) (int64, bool) { return 0, false }

func (fakeImageHandler) GetUnpackedLayerDigest(unpackedPath string) (digest.Digest, error) {
	data, err := os.ReadFile(unpackedPath)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}

type removerAdapter struct{ m *Manager }

func (r removerAdapter) RemoveItem(id string) error {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '@' {
			return r.m.RemoveItem(id[:i], id[i+1:])
		}
	}
	return aoserrors.New(aoserrors.KindInvalidArgument, "malformed outdated-item key")
}

type testEnv struct {
	mgr        *Manager
	storage    *fakeStorage
	blobInfo   *fakeBlobInfo
	downloader *fakeDownloader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	blobsDir := filepath.Join(t.TempDir(), "blobs")
	layersDir := filepath.Join(t.TempDir(), "layers")

	storage := newFakeStorage()
	blobInfo := newFakeBlobInfo()
	downloader := newFakeDownloader()

	env := &testEnv{storage: storage, blobInfo: blobInfo, downloader: downloader}

	allocator, err := spaceallocator.New(t.TempDir(), 100, removerAdapter{})
	require.NoError(t, err)

	mgr := New(DefaultConfig(blobsDir, layersDir), storage, allocator, blobInfo, downloader, fakeImageHandler{})
	env.mgr = mgr
	allocator = nil // silence unused warning if New signature changes; allocator stays referenced via mgr

	return env
}

// registerBlob hashes content, wires it into the fake downloader/blob-info
// pair, and returns its digest.
func registerBlob(env *testEnv, content []byte) digest.Digest {
	d := digest.FromBytes(content)
	env.downloader.register(d.String(), content)
	env.blobInfo.register(d, content)
	return d
}

func buildComponentItem(t *testing.T, env *testEnv, id, version string) types.UpdateItemInfo {
	t.Helper()

	layerContent := []byte("component-layer-" + id)
	layerDigest := registerBlob(env, layerContent)

	imgConfig := v1.Image{OS: "linux", Architecture: "amd64"}
	imgConfigBytes, err := json.Marshal(imgConfig)
	require.NoError(t, err)
	imgConfigDigest := registerBlob(env, imgConfigBytes)

	manifest := v1.Manifest{
		Config: v1.Descriptor{Digest: imgConfigDigest, Size: int64(len(imgConfigBytes))},
		Layers: []v1.Descriptor{{Digest: layerDigest, Size: int64(len(layerContent))}},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := registerBlob(env, manifestBytes)

	return types.UpdateItemInfo{ID: id, Type: types.ItemTypeComponent, Version: version, ManifestDigest: types.Digest(manifestDigest.String())}
}

func buildServiceItem(t *testing.T, env *testEnv, id, version string) types.UpdateItemInfo {
	t.Helper()

	packedLayer := []byte("packed-layer-" + id)
	layerDigest := registerBlob(env, packedLayer)

	diffID := digest.FromBytes([]byte(unpackedContent))

	imgConfig := v1.Image{OS: "linux", Architecture: "amd64", RootFS: v1.RootFS{Type: "layers", DiffIDs: []digest.Digest{diffID}}}
	imgConfigBytes, err := json.Marshal(imgConfig)
	require.NoError(t, err)
	imgConfigDigest := registerBlob(env, imgConfigBytes)

	manifest := v1.Manifest{
		Config: v1.Descriptor{Digest: imgConfigDigest, Size: int64(len(imgConfigBytes))},
		Layers: []v1.Descriptor{{Digest: layerDigest, Size: int64(len(packedLayer))}},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := registerBlob(env, manifestBytes)

	return types.UpdateItemInfo{ID: id, Type: types.ItemTypeService, Version: version, ManifestDigest: types.Digest(manifestDigest.String())}
}

func TestInstallFreshComponentItem(t *testing.T) {
	env := newTestEnv(t)
	info := buildComponentItem(t, env, "comp1", "1.0.0")

	row, err := env.mgr.Install(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateInstalled, row.State)

	stored, err := env.storage.GetUpdateItem("comp1", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateInstalled, stored.State)
}

func TestInstallFreshServiceItemUnpacksLayer(t *testing.T) {
	env := newTestEnv(t)
	info := buildServiceItem(t, env, "svc1", "1.0.0")

	row, err := env.mgr.Install(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateInstalled, row.State)

	diffID := digest.FromBytes([]byte(unpackedContent))
	path, err := env.mgr.GetLayerPath(diffID)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, unpackedContent, string(content))
}

func TestInstallSameVersionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	info := buildComponentItem(t, env, "comp1", "1.0.0")

	_, err := env.mgr.Install(context.Background(), info)
	require.NoError(t, err)

	attemptsBefore := env.downloader.attempts
	row, err := env.mgr.Install(context.Background(), info)
	require.Error(t, err)
	assert.True(t, aoserrors.Is(err, aoserrors.KindAlreadyExist))
	assert.Equal(t, types.ItemStateInstalled, row.State)
	assert.Equal(t, attemptsBefore, env.downloader.attempts, "re-installing the same version must not re-download")
}

func TestInstallRefusesDowngrade(t *testing.T) {
	env := newTestEnv(t)
	infoV2 := buildComponentItem(t, env, "comp1", "2.0.0")
	_, err := env.mgr.Install(context.Background(), infoV2)
	require.NoError(t, err)

	infoV1 := buildComponentItem(t, env, "comp1", "1.0.0")
	_, err = env.mgr.Install(context.Background(), infoV1)
	require.Error(t, err)
	assert.True(t, aoserrors.Is(err, aoserrors.KindWrongState))
}

func TestInstallNewerVersionDemotesPreviousToCache(t *testing.T) {
	env := newTestEnv(t)
	infoV1 := buildComponentItem(t, env, "comp1", "1.0.0")
	_, err := env.mgr.Install(context.Background(), infoV1)
	require.NoError(t, err)

	infoV2 := buildComponentItem(t, env, "comp1", "2.0.0")
	row, err := env.mgr.Install(context.Background(), infoV2)
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateInstalled, row.State)

	oldRow, err := env.storage.GetUpdateItem("comp1", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateCached, oldRow.State)
}

func TestInstallPromotesCachedRowWithoutDownload(t *testing.T) {
	env := newTestEnv(t)
	infoV2 := buildComponentItem(t, env, "comp1", "2.0.0")
	_, err := env.mgr.Install(context.Background(), infoV2)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Uninstall("comp1")) // 2.0.0 is now Cached

	info := buildComponentItem(t, env, "comp1", "1.0.0")
	_, err = env.mgr.Install(context.Background(), info)
	require.NoError(t, err)

	attemptsBefore := env.downloader.attempts
	row, err := env.mgr.Install(context.Background(), infoV2) // re-request 2.0.0, still Cached
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateInstalled, row.State)
	assert.Equal(t, attemptsBefore, env.downloader.attempts, "promoting a cached row must not re-download")

	demoted, err := env.storage.GetUpdateItem("comp1", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.ItemStateCached, demoted.State)
}

func TestRemoveItemDeletesBlobsAndRow(t *testing.T) {
	env := newTestEnv(t)
	info := buildServiceItem(t, env, "svc1", "1.0.0")
	_, err := env.mgr.Install(context.Background(), info)
	require.NoError(t, err)

	diffID := digest.FromBytes([]byte(unpackedContent))
	layerPath, err := env.mgr.GetLayerPath(diffID)
	require.NoError(t, err)

	require.NoError(t, env.mgr.RemoveItem("svc1", "1.0.0"))

	_, err = os.Stat(layerPath)
	assert.True(t, os.IsNotExist(err))

	_, err = env.storage.GetUpdateItem("svc1", "1.0.0")
	assert.Error(t, err)
}

func TestGetLayerPathDetectsCorruption(t *testing.T) {
	env := newTestEnv(t)
	info := buildServiceItem(t, env, "svc1", "1.0.0")
	_, err := env.mgr.Install(context.Background(), info)
	require.NoError(t, err)

	diffID := digest.FromBytes([]byte(unpackedContent))
	path, err := env.mgr.GetLayerPath(diffID)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = env.mgr.GetLayerPath(diffID)
	require.Error(t, err)
	assert.True(t, aoserrors.Is(err, aoserrors.KindInvalidChecksum))
}

func TestInstallBlobDeduplicatesConcurrentDownloads(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("shared-blob-content")
	d := registerBlob(env, content)
	descriptor := types.ContentDescriptor{Digest: types.Digest(d.String()), Size: int64(len(content))}

	var wg sync.WaitGroup
	paths := make([]string, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			paths[idx], errs[idx] = env.mgr.installBlob(context.Background(), descriptor)
		}(i)
	}
	wg.Wait()

	for i := range paths {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, env.downloader.attempts)
}

func TestLoadServiceConfigReadsAnnotatedBlob(t *testing.T) {
	env := newTestEnv(t)

	svcConfigBytes, err := json.Marshal(struct {
		RequestedCPU int64
		Runtimes     []string
	}{RequestedCPU: 500, Runtimes: []string{"runc"}})
	require.NoError(t, err)
	svcConfigDigest := registerBlob(env, svcConfigBytes)

	layerContent := []byte("layer")
	layerDigest := registerBlob(env, layerContent)

	imgConfigBytes, err := json.Marshal(v1.Image{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	imgConfigDigest := registerBlob(env, imgConfigBytes)

	manifest := v1.Manifest{
		Config:      v1.Descriptor{Digest: imgConfigDigest, Size: int64(len(imgConfigBytes))},
		Layers:      []v1.Descriptor{{Digest: layerDigest, Size: int64(len(layerContent))}},
		Annotations: map[string]string{annotationServiceConfigDigest: svcConfigDigest.String()},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := registerBlob(env, manifestBytes)

	info := types.UpdateItemInfo{ID: "svc2", Type: types.ItemTypeComponent, Version: "1.0.0", ManifestDigest: types.Digest(manifestDigest.String())}
	_, err = env.mgr.Install(context.Background(), info)
	require.NoError(t, err)

	cfg, err := env.mgr.LoadServiceConfig(types.Digest(manifestDigest.String()))
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.RequestedCPU)
}
