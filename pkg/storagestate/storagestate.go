// Package storagestate manages the on-disk storage/state directory pair
// each service instance is given: one writable tree for its persistent
// data (storage) and one for small state/checkpoint files (state),
// rooted under separate base paths so an operator can mount them on
// different partitions.
package storagestate

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/rs/zerolog"
)

// Config points at the two base directories instance storage/state trees
// are rooted under.
type Config struct {
	StorageDir string
	StateDir   string
}

// StorageState implements the launcher's StorageStateItf collaborator.
type StorageState struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a StorageState rooted at cfg's directories, creating them
// if they don't yet exist.
func New(cfg Config) (*StorageState, error) {
	for _, dir := range []string{cfg.StorageDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, aoserrors.Wrap(aoserrors.KindFailed, err)
		}
	}

	return &StorageState{cfg: cfg, logger: log.WithComponent("storagestate")}, nil
}

func (s *StorageState) storagePath(ident types.InstanceIdent) string {
	return filepath.Join(s.cfg.StorageDir, ident.String())
}

func (s *StorageState) statePath(ident types.InstanceIdent) string {
	return filepath.Join(s.cfg.StateDir, ident.String())
}

// Setup creates (if absent) the instance's storage and state directories
// and returns their host paths.
func (s *StorageState) Setup(ident types.InstanceIdent, uid, gid int) (storagePath, statePath string, err error) {
	storagePath = s.storagePath(ident)
	statePath = s.statePath(ident)

	if err = os.MkdirAll(storagePath, 0o755); err != nil {
		return "", "", aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	if err = os.MkdirAll(statePath, 0o755); err != nil {
		return "", "", aoserrors.Wrap(aoserrors.KindFailed, err)
	}

	if uid != 0 || gid != 0 {
		if err = os.Chown(storagePath, uid, gid); err != nil {
			return "", "", aoserrors.Wrap(aoserrors.KindFailed, err)
		}
		if err = os.Chown(statePath, uid, gid); err != nil {
			return "", "", aoserrors.Wrap(aoserrors.KindFailed, err)
		}
	}

	s.logger.Debug().Str("instance", ident.String()).Msg("storage/state directories ready")

	return storagePath, statePath, nil
}

// Cleanup removes only the instance's state directory contents, used when
// an instance is cached rather than removed — its storage survives.
func (s *StorageState) Cleanup(ident types.InstanceIdent) error {
	if err := os.RemoveAll(s.statePath(ident)); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	return nil
}

// Remove deletes both the storage and state directories for good.
func (s *StorageState) Remove(ident types.InstanceIdent) error {
	if err := os.RemoveAll(s.storagePath(ident)); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	if err := os.RemoveAll(s.statePath(ident)); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	return nil
}

// IsSamePartition reports whether the storage and state trees resolve to
// the same backing mount, which matters to callers deciding whether a
// single space-allocator quota covers both.
func (s *StorageState) IsSamePartition() bool {
	storageDev, err1 := deviceOf(s.cfg.StorageDir)
	stateDev, err2 := deviceOf(s.cfg.StateDir)
	if err1 != nil || err2 != nil {
		return false
	}
	return storageDev == stateDev
}

// GetTotalStorageSize returns the bytes currently used across all
// instances' storage directories.
func (s *StorageState) GetTotalStorageSize() (uint64, error) {
	return dirSize(s.cfg.StorageDir)
}

// GetTotalStateSize returns the bytes currently used across all
// instances' state directories.
func (s *StorageState) GetTotalStateSize() (uint64, error) {
	return dirSize(s.cfg.StateDir)
}

func dirSize(path string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	return total, nil
}
