package main

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/meigma/tape"
)

// scan builds an archive tree from source directories. Entries are named
// relative to their source root and sorted by name at every level.
// Anything other than regular files and directories is skipped.
func scan(logger *slog.Logger, sources []string) (*tape.Tree, error) {
	tree := &tape.Tree{}
	for _, src := range sources {
		root, err := filepath.Abs(src)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			tree.Files = append(tree.Files, &tape.File{
				Root:     filepath.Dir(root),
				Name:     filepath.Base(root),
				Modified: info.ModTime(),
				Length:   info.Size(),
			})
			continue
		}

		files, dirs, err := scanDir(logger, root, "")
		if err != nil {
			return nil, err
		}
		tree.Files = append(tree.Files, files...)
		tree.Dirs = append(tree.Dirs, dirs...)
	}

	sort.SliceStable(tree.Files, func(i, j int) bool { return tree.Files[i].Name < tree.Files[j].Name })
	sort.SliceStable(tree.Dirs, func(i, j int) bool { return tree.Dirs[i].Name < tree.Dirs[j].Name })
	return tree, nil
}

// scanDir lists root/rel. os.ReadDir returns entries sorted by name.
func scanDir(logger *slog.Logger, root, rel string) ([]*tape.File, []*tape.Directory, error) {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, nil, err
	}

	var files []*tape.File
	var dirs []*tape.Directory
	for _, e := range entries {
		name := path.Join(rel, e.Name())
		info, err := e.Info()
		if err != nil {
			return nil, nil, fmt.Errorf("stat %s: %w", name, err)
		}
		switch {
		case info.IsDir():
			subFiles, subDirs, err := scanDir(logger, root, name)
			if err != nil {
				return nil, nil, err
			}
			dirs = append(dirs, &tape.Directory{
				Root:     root,
				Name:     name,
				Modified: info.ModTime(),
				Dirs:     subDirs,
				Files:    subFiles,
			})
		case info.Mode().IsRegular():
			files = append(files, &tape.File{
				Root:     root,
				Name:     name,
				Modified: info.ModTime(),
				Length:   info.Size(),
			})
		default:
			logger.Debug("skipping special file", "path", name, "mode", info.Mode().String())
		}
	}
	return files, dirs, nil
}
