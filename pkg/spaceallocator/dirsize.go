package spaceallocator

import (
	"io/fs"
	"os"
	"path/filepath"
)

// walkDir calls visit with the size of every regular file under path. A
// missing path (nothing installed under it yet) is treated as empty, not
// an error.
func walkDir(path string, visit func(size int64)) error {
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
		visit(info.Size())
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
