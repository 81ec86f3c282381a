package tape

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/tape/internal/blockbuf"
	"github.com/meigma/tape/internal/stream"
)

// Header modes written for every entry.
const (
	dirMode  = 0o1753
	fileMode = 0o100700
)

// ReadErrorPolicy controls what happens when a file cannot be opened.
type ReadErrorPolicy uint8

const (
	// ReadErrorAbort fails the run on the first unreadable file.
	ReadErrorAbort ReadErrorPolicy = iota

	// ReadErrorSkip leaves out files that cannot be opened and records
	// them in Result.Skipped. Failures after a file's header has been
	// written still abort, because the header has committed its size.
	ReadErrorSkip
)

// String returns the string representation of the policy.
func (p ReadErrorPolicy) String() string {
	switch p {
	case ReadErrorAbort:
		return "abort"
	case ReadErrorSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseReadErrorPolicy parses "abort" or "skip". Empty selects abort.
func ParseReadErrorPolicy(s string) (ReadErrorPolicy, error) {
	switch s {
	case "", "abort":
		return ReadErrorAbort, nil
	case "skip":
		return ReadErrorSkip, nil
	default:
		return 0, fmt.Errorf("tape: unknown read error policy %q", s)
	}
}

// archivedEntry is recorded for every entry that reached the tar stream.
type archivedEntry struct {
	path    string
	kind    EntryKind
	size    int64
	modTime time.Time
	digest  digest.Digest
}

// producer renders the tree as a tar stream and feeds it to the buffer in
// whole blocks.
type producer struct {
	buf        *blockbuf.Buffer
	tree       *Tree
	hash       HashAlgorithm
	readErrors ReadErrorPolicy
	chunk      []byte
	logger     *slog.Logger

	filesDone    atomic.Int64
	logical      int64
	entries      []archivedEntry
	skipped      []*EntryError
	skippedBytes int64
}

// log returns the logger, falling back to a discard logger if nil.
func (p *producer) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// run writes every entry, terminates the archive, flushes the final
// partial block and marks the buffer's input complete.
func (p *producer) run(ctx context.Context) error {
	asm := &blockWriter{ctx: ctx, buf: p.buf, block: make([]byte, p.buf.BlockSize())}
	cw := &stream.CountingWriter{W: asm}
	tw := tar.NewWriter(cw)

	err := p.tree.Walk(func(s Source) error {
		switch e := s.(type) {
		case *Directory:
			return p.writeDir(tw, e)
		case *File:
			return p.writeFile(ctx, tw, e)
		default:
			return &EntryError{Path: s.RelativePath(), Err: fmt.Errorf("%w: unsupported source %T", ErrInvalidEntry, s)}
		}
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	p.logical = cw.Count()
	if err := asm.flush(); err != nil {
		return err
	}
	p.buf.MarkInputComplete()

	p.log().Debug("tar stream complete",
		"entries", len(p.entries),
		"skipped", len(p.skipped),
		"size", humanize.IBytes(uint64(p.logical)))
	return nil
}

func (p *producer) writeDir(tw *tar.Writer, d *Directory) error {
	name := headerName(d)
	if name == "" {
		return &EntryError{Path: d.Name, Err: fmt.Errorf("%w: empty name", ErrInvalidEntry)}
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name,
		Mode:     dirMode,
		ModTime:  d.Modified,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return &EntryError{Path: d.Name, Err: err}
	}
	p.entries = append(p.entries, archivedEntry{path: name, kind: KindDirectory, modTime: d.Modified})
	return nil
}

func (p *producer) writeFile(ctx context.Context, tw *tar.Writer, f *File) error {
	name := headerName(f)
	if name == "" || f.Length < 0 {
		return &EntryError{Path: f.Name, Err: fmt.Errorf("%w: name %q size %d", ErrInvalidEntry, f.Name, f.Length)}
	}

	rc, err := f.Open()
	if err != nil {
		if p.readErrors == ReadErrorSkip {
			p.log().Warn("skipping unreadable file", "path", f.Name, "error", err)
			p.skipped = append(p.skipped, &EntryError{Path: f.Name, Err: err})
			p.skippedBytes += f.Length
			return nil
		}
		return &EntryError{Path: f.Name, Err: err}
	}
	defer rc.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     fileMode,
		ModTime:  f.Modified,
		Size:     f.Length,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return &EntryError{Path: f.Name, Err: err}
	}

	hasher, err := p.hash.New()
	if err != nil {
		return err
	}
	cr := &stream.CountingReader{R: io.LimitReader(rc, f.Length)}
	if _, err := stream.CopyWithContext(ctx, tw, io.TeeReader(cr, hasher), p.chunk); err != nil {
		return &EntryError{Path: f.Name, Err: err}
	}
	if cr.N != uint64(f.Length) {
		return &EntryError{Path: f.Name, Err: fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeChanged, f.Length, cr.N)}
	}

	f.Digest = p.hash.Digest(hasher)
	p.entries = append(p.entries, archivedEntry{
		path:    name,
		kind:    KindFile,
		size:    f.Length,
		modTime: f.Modified,
		digest:  f.Digest,
	})
	p.filesDone.Add(1)
	p.log().Debug("archived file", "path", name, "size", f.Length, "digest", f.Digest)
	return nil
}

// blockWriter cuts a byte stream into buffer blocks. The last partial
// block is zero padded by flush.
type blockWriter struct {
	ctx   context.Context
	buf   *blockbuf.Buffer
	block []byte
	n     int
}

func (w *blockWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.n == 0 && len(p) >= len(w.block) {
			if err := w.buf.WriteBlock(w.ctx, p[:len(w.block)]); err != nil {
				return written, err
			}
			p = p[len(w.block):]
			written += len(w.block)
			continue
		}
		c := copy(w.block[w.n:], p)
		w.n += c
		p = p[c:]
		written += c
		if w.n == len(w.block) {
			if err := w.buf.WriteBlock(w.ctx, w.block); err != nil {
				return written, err
			}
			w.n = 0
		}
	}
	return written, nil
}

func (w *blockWriter) flush() error {
	if w.n == 0 {
		return nil
	}
	clear(w.block[w.n:])
	if err := w.buf.WriteBlock(w.ctx, w.block); err != nil {
		return err
	}
	w.n = 0
	return nil
}
