package hostadapter

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	cp "github.com/otiai10/copy"
)

// CopyTree recursively copies src into dst, preserving the template tree's
// structure (spec.md §4.5 step 2).
func CopyTree(src, dst string) error {
	if err := cp.Copy(src, dst); err != nil {
		return fmt.Errorf("hostadapter: copy tree %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Move relocates a directory, used to atomically publish a materialized
// contract tree onto its final contract_dir path (spec.md §4.5 step 4).
func Move(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("hostadapter: move %s -> %s: %w", src, dst, err)
	}
	return nil
}

// ChownR recursively changes ownership of path to the given username's
// uid:gid (spec.md §4.5 step 5).
func ChownR(username, path string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("hostadapter: lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("hostadapter: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("hostadapter: parse gid %q: %w", u.Gid, err)
	}

	return filepath.Walk(path, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		return os.Chown(p, uid, gid)
	})
}

// ChmodR recursively sets mode on every entry under path (spec.md §4.5 step
// 5: contract directories are chmod'd 0775).
func ChmodR(mode os.FileMode, path string) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		return os.Chmod(p, mode)
	})
}
