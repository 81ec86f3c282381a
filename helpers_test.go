package tape

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meigma/tape/internal/blockbuf"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memFile returns a file whose content is served from memory.
func memFile(name, content string) *File {
	return &File{
		Name:     name,
		Modified: testTime,
		Length:   int64(len(content)),
		Opener: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

// sampleTree is one root file and a directory holding a subdirectory and
// two files.
func sampleTree() *Tree {
	return &Tree{
		Files: []*File{memFile("root.txt", "root file")},
		Dirs: []*Directory{{
			Name:     "docs",
			Modified: testTime,
			Dirs: []*Directory{{
				Name:     "docs/sub",
				Modified: testTime,
				Files:    []*File{memFile("docs/sub/c.txt", "see")},
			}},
			Files: []*File{
				memFile("docs/a.txt", "alpha"),
				memFile("docs/b.txt", strings.Repeat("b", 3000)),
			},
		}},
	}
}

// drain reads every block from buf until EOF.
func drain(t *testing.T, buf *blockbuf.Buffer) []byte {
	t.Helper()
	var out []byte
	block := make([]byte, buf.BlockSize())
	for {
		err := buf.ReadBlock(context.Background(), block)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, block...)
	}
}

type tarEntry struct {
	hdr     *tar.Header
	content string
}

// readTar decodes every entry of a tar stream.
func readTar(t *testing.T, data []byte) []tarEntry {
	t.Helper()
	var out []tarEntry
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		out = append(out, tarEntry{hdr: hdr, content: string(content)})
	}
}

func entryNames(entries []tarEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.hdr.Name
	}
	return names
}
