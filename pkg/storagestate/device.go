package storagestate

import (
	"os"
	"syscall"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
)

// deviceOf returns the backing device id for path's filesystem, the same
// stdlib-syscall approach pkg/spaceallocator uses for host-FS queries.
func deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, aoserrors.Wrap(aoserrors.KindFailed, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, aoserrors.New(aoserrors.KindNotSupported, "platform does not expose device ids")
	}
	return uint64(stat.Dev), nil
}
