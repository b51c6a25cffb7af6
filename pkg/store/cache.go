package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// CacheDir is the on-disk layout materialized artifacts live under: a
// flat directory of entries named by object id, each built in a
// sibling temporary directory and moved into place with a single
// rename so a concurrent reader never observes a partially-written
// entry.
type CacheDir struct {
	root string
}

func NewCacheDir(root string) *CacheDir {
	return &CacheDir{root: root}
}

// Path returns where id's materialized entry lives (or would live).
func (c *CacheDir) Path(id object.Id) string {
	return filepath.Join(c.root, id.String())
}

// Exists reports whether id has already been materialized.
func (c *CacheDir) Exists(id object.Id) bool {
	_, err := os.Lstat(c.Path(id))
	return err == nil
}

// TempDir creates a fresh scratch directory beside the cache root for
// building an entry before it is published under its final id.
func (c *CacheDir) TempDir(prefix string) (string, error) {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return "", tgerror.Wrap(tgerror.IO, "store.CacheDir.TempDir", err, "failed to create cache root")
	}
	dir, err := os.MkdirTemp(c.root, "."+prefix+"-*")
	if err != nil {
		return "", tgerror.Wrap(tgerror.IO, "store.CacheDir.TempDir", err, "failed to create temp dir")
	}
	return dir, nil
}

// Publish moves a fully-built temp directory into place under id's
// final path. Another materializer racing to build the same id is
// expected and not an error: if the rename fails because the
// destination already exists, is a non-empty directory, or — on some
// platforms — denies permission to replace an existing entry, that
// means a concurrent writer already won, so Publish treats it as
// success and removes the now-redundant temp directory.
func (c *CacheDir) Publish(tempDir string, id object.Id) error {
	dest := c.Path(id)
	err := os.Rename(tempDir, dest)
	if err == nil {
		return nil
	}
	if os.IsExist(err) || os.IsPermission(err) || containsENOTEMPTY(err) {
		_ = os.RemoveAll(tempDir)
		return nil
	}
	return tgerror.Wrap(tgerror.IO, "store.CacheDir.Publish", err, fmt.Sprintf("failed to publish cache entry %s", id))
}

func containsENOTEMPTY(err error) bool {
	// os.Rename on a non-empty existing directory surfaces a raw
	// syscall.ENOTEMPTY wrapped in a *LinkError rather than one of the
	// os.IsXxx-recognized sentinels, so match on its text.
	msg := err.Error()
	for _, needle := range []string{"directory not empty", "not empty"} {
		if len(msg) >= len(needle) {
			for i := 0; i+len(needle) <= len(msg); i++ {
				if msg[i:i+len(needle)] == needle {
					return true
				}
			}
		}
	}
	return false
}
