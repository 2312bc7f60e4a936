package spaceallocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatfs struct {
	available uint64
	total     uint64
}

func (f fakeStatfs) availableBytes(string) (uint64, error) { return f.available, nil }
func (f fakeStatfs) totalBytes(string) (uint64, error)     { return f.total, nil }

type fakeRemover struct {
	removed []string
	err     error
}

func (r *fakeRemover) RemoveItem(id string) error {
	if r.err != nil {
		return r.err
	}
	r.removed = append(r.removed, id)
	return nil
}

func withFakeFS(t *testing.T, available, total uint64) {
	t.Helper()
	prev := hostFS
	hostFS = fakeStatfs{available: available, total: total}
	t.Cleanup(func() { hostFS = prev })
}

func resetPartitions(t *testing.T) {
	t.Helper()
	partitionsMu.Lock()
	partitions = map[string]*partition{}
	partitionsMu.Unlock()
}

func TestAllocateAndAccept(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 1000, 1000)

	a, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer a.Close()

	space, err := a.AllocateSpace(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), space.Size())
	assert.NoError(t, space.Accept())
}

func TestAllocateReleaseRestoresAvailable(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 1000, 1000)

	a, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer a.Close()

	space, err := a.AllocateSpace(400)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), a.partition.available())

	require.NoError(t, space.Release())
	assert.Equal(t, uint64(1000), a.partition.available())
}

func TestAllocateEvictsOutdatedOnShortfall(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 100, 1000)

	remover := &fakeRemover{}
	a, err := New(t.TempDir(), 0, remover)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddOutdatedItem("old-1", 50, time.Now().Add(-time.Hour)))
	require.NoError(t, a.AddOutdatedItem("old-2", 60, time.Now()))

	space, err := a.AllocateSpace(120)
	require.NoError(t, err)
	require.NoError(t, space.Accept())

	// The shortfall is 20 bytes; the oldest item (50) covers it, so old-2 stays queued.
	assert.Equal(t, []string{"old-1"}, remover.removed)
}

func TestAllocateFailsWhenOutdatedQueueInsufficient(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 10, 1000)

	remover := &fakeRemover{}
	a, err := New(t.TempDir(), 0, remover)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddOutdatedItem("old-1", 5, time.Now()))

	_, err = a.AllocateSpace(100)
	require.Error(t, err)
}

func TestRestoreOutdatedItemRemovesFromQueue(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 1000, 1000)

	remover := &fakeRemover{}
	a, err := New(t.TempDir(), 0, remover)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddOutdatedItem("x", 10, time.Now()))
	require.NoError(t, a.RestoreOutdatedItem("x"))

	assert.Empty(t, a.partition.outdatedItems)
}

func TestAddOutdatedItemIdempotentOnID(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 1000, 1000)

	remover := &fakeRemover{}
	a, err := New(t.TempDir(), 0, remover)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddOutdatedItem("x", 10, time.Now()))
	require.NoError(t, a.AddOutdatedItem("x", 20, time.Now()))

	require.Len(t, a.partition.outdatedItems, 1)
	assert.Equal(t, uint64(20), a.partition.outdatedItems[0].size)
}

func TestClosePartitionRefcount(t *testing.T) {
	resetPartitions(t)
	withFakeFS(t, 1000, 1000)

	path := t.TempDir()
	a1, err := New(path, 0, nil)
	require.NoError(t, err)
	a2, err := New(path, 0, nil)
	require.NoError(t, err)

	a1.Close()

	partitionsMu.Lock()
	_, stillPresent := partitions[path]
	partitionsMu.Unlock()
	assert.True(t, stillPresent)

	a2.Close()

	partitionsMu.Lock()
	_, present := partitions[path]
	partitionsMu.Unlock()
	assert.False(t, present)
}
