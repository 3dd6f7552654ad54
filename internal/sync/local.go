package sync

import (
	"io/fs"
	"path/filepath"
	"slices"
)

// scanLocal lists the ids of regular files below root that are not ignored.
func scanLocal(root string, ignore *IgnoreList) ([]string, error) {
	var ids []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ignore.ShouldIgnore(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignore.ShouldIgnore(rel) {
			return nil
		}

		ids = append(ids, rel)
		return nil
	})
	if err != nil {
		return nil, &FilesystemError{Op: "scan", Path: root, Err: err}
	}

	slices.Sort(ids)
	return ids, nil
}
