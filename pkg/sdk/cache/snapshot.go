package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// WriteSnapshot replaces name with v using the three-file protocol:
// the new content lands in name.new, the current file is copied to
// name.old, name.new is renamed over name, and name.old is removed.
// A crash at any step leaves files that Normalize can reconcile.
func (c *Cache) WriteSnapshot(name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}
	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	canonical := c.path(name)
	tmp := canonical + SuffixTmp
	next := canonical + SuffixNew
	old := canonical + SuffixOld

	if err := writeFile(tmp, func(w io.Writer) error { return c.serializer.Encode(w, v) }); err != nil {
		c.fail("snapshot_write", name, err)
		return err
	}
	if err := os.Rename(tmp, next); err != nil {
		_ = os.Remove(tmp)
		c.fail("snapshot_stage", name, err)
		return fmt.Errorf("failed to stage snapshot %s: %w", name, err)
	}

	if _, err := os.Stat(canonical); err == nil {
		if err := copyFile(canonical, old); err != nil {
			// name.new is complete; Normalize will promote it.
			c.fail("snapshot_backup", name, err)
			return fmt.Errorf("failed to back up snapshot %s: %w", name, err)
		}
	}

	if err := os.Rename(next, canonical); err != nil {
		c.fail("snapshot_promote", name, err)
		return fmt.Errorf("failed to promote snapshot %s: %w", name, err)
	}
	if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.fail("snapshot_cleanup", name, err)
	}
	return nil
}

// LoadSnapshot decodes the newest readable state of name into v, trying
// the canonical file, then name.new, then name.old.
func (c *Cache) LoadSnapshot(name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}
	mu := c.lockFor(name)
	mu.RLock()
	defer mu.RUnlock()

	canonical := c.path(name)
	for _, path := range []string{canonical, canonical + SuffixNew, canonical + SuffixOld} {
		if err := c.decodeFile(path, v); err == nil {
			return nil
		}
	}
	return ErrNotFound
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeFile(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
