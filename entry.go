package tape

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// EntryKind distinguishes files from directories.
type EntryKind uint8

const (
	// KindFile is a regular file.
	KindFile EntryKind = iota

	// KindDirectory is a directory.
	KindDirectory
)

// String returns the string representation of the kind.
func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Source is implemented by every entry in a [Tree].
type Source interface {
	// FullPath is the location of the entry on the source filesystem.
	FullPath() string

	// RelativePath is the slash-separated path inside the archive.
	RelativePath() string

	// Size is the content length in bytes; 0 for directories.
	Size() int64

	// SourceRoot is the directory RelativePath is relative to.
	SourceRoot() string

	// Kind reports whether the entry is a file or a directory.
	Kind() EntryKind

	// ModTime is the modification time recorded in the archive.
	ModTime() time.Time
}

// File is a regular file to archive.
type File struct {
	// Root is the source root on disk.
	Root string

	// Name is the slash-separated path relative to Root.
	Name string

	// Modified is the modification time recorded in the header.
	Modified time.Time

	// Length is the content size recorded in the header. The content read
	// must match it exactly.
	Length int64

	// Opener returns the content. When nil the file at FullPath is opened.
	Opener func() (io.ReadCloser, error)

	// Digest is set once the file's content has been archived.
	Digest digest.Digest
}

// FullPath returns Root joined with Name.
func (f *File) FullPath() string {
	return filepath.Join(f.Root, filepath.FromSlash(f.Name))
}

// RelativePath returns Name.
func (f *File) RelativePath() string { return f.Name }

// Size returns Length.
func (f *File) Size() int64 { return f.Length }

// SourceRoot returns Root.
func (f *File) SourceRoot() string { return f.Root }

// Kind returns KindFile.
func (f *File) Kind() EntryKind { return KindFile }

// ModTime returns Modified.
func (f *File) ModTime() time.Time { return f.Modified }

// Open returns the file content.
func (f *File) Open() (io.ReadCloser, error) {
	if f.Opener != nil {
		return f.Opener()
	}
	return os.Open(f.FullPath())
}

// Directory is a directory and its contents.
type Directory struct {
	Root     string
	Name     string
	Modified time.Time

	// Dirs and Files are archived in slice order: the directory header,
	// then every subdirectory recursively, then the files.
	Dirs  []*Directory
	Files []*File
}

// FullPath returns Root joined with Name.
func (d *Directory) FullPath() string {
	return filepath.Join(d.Root, filepath.FromSlash(d.Name))
}

// RelativePath returns Name.
func (d *Directory) RelativePath() string { return d.Name }

// Size returns 0; directories have no content.
func (d *Directory) Size() int64 { return 0 }

// SourceRoot returns Root.
func (d *Directory) SourceRoot() string { return d.Root }

// Kind returns KindDirectory.
func (d *Directory) Kind() EntryKind { return KindDirectory }

// ModTime returns Modified.
func (d *Directory) ModTime() time.Time { return d.Modified }

// Tree is a scanned file tree ready to archive. Root-level files are
// written first, then each directory depth-first.
type Tree struct {
	Files []*File
	Dirs  []*Directory
}

// Walk calls fn for every entry in archive order and stops at the first
// error.
func (t *Tree) Walk(fn func(Source) error) error {
	for _, f := range t.Files {
		if err := fn(f); err != nil {
			return err
		}
	}
	for _, d := range t.Dirs {
		if err := walkDir(d, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkDir(d *Directory, fn func(Source) error) error {
	if err := fn(d); err != nil {
		return err
	}
	for _, sub := range d.Dirs {
		if err := walkDir(sub, fn); err != nil {
			return err
		}
	}
	for _, f := range d.Files {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the number of files, directories and total content bytes.
func (t *Tree) Stats() (files, dirs int, bytes int64) {
	_ = t.Walk(func(s Source) error {
		if s.Kind() == KindDirectory {
			dirs++
		} else {
			files++
			bytes += s.Size()
		}
		return nil
	})
	return files, dirs, bytes
}

// AllFiles returns every file in archive order.
func (t *Tree) AllFiles() []*File {
	var out []*File
	_ = t.Walk(func(s Source) error {
		if f, ok := s.(*File); ok {
			out = append(out, f)
		}
		return nil
	})
	return out
}

// headerName returns the tar name for an entry: no leading slash, and a
// trailing slash for directories.
func headerName(s Source) string {
	name := strings.TrimLeft(filepath.ToSlash(s.RelativePath()), "/")
	if s.Kind() == KindDirectory && name != "" && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return name
}
