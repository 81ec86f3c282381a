package tape

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/fb"
)

// IndexVersion is the index record format version.
const IndexVersion = 1

// indexMagic opens every index record, followed by the payload length as a
// little-endian uint64.
var indexMagic = []byte("TAPEIDX\x01")

const indexHeaderSize = 16

// Index is the catalogue written as its own tape file after an archive.
type Index struct {
	Version       uint32
	Hash          HashAlgorithm
	ArchiveDigest digest.Digest
	BlockSize     int
	LogicalBytes  int64
	PhysicalBytes int64
	StartBlock    int64
	Created       time.Time
	Entries       []IndexEntry
}

// IndexEntry is one archived file or directory in tar order.
type IndexEntry struct {
	Path    string
	Kind    EntryKind
	Size    int64
	ModTime time.Time

	// Digest is empty for directories.
	Digest digest.Digest
}

// Lookup returns the entry with the given tar name.
func (idx *Index) Lookup(path string) (IndexEntry, bool) {
	for _, e := range idx.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// Files returns the number of file entries.
func (idx *Index) Files() int {
	n := 0
	for _, e := range idx.Entries {
		if e.Kind == KindFile {
			n++
		}
	}
	return n
}

// newIndex assembles the index for a finished run.
func newIndex(res *Result, entries []archivedEntry, created time.Time) *Index {
	idx := &Index{
		Version:       IndexVersion,
		Hash:          res.Hash,
		ArchiveDigest: res.ArchiveDigest,
		BlockSize:     res.BlockSize,
		LogicalBytes:  res.LogicalBytes,
		PhysicalBytes: res.PhysicalBytes,
		StartBlock:    res.StartBlock,
		Created:       created,
		Entries:       make([]IndexEntry, len(entries)),
	}
	for i, e := range entries {
		idx.Entries[i] = IndexEntry{
			Path:    e.path,
			Kind:    e.kind,
			Size:    e.size,
			ModTime: e.modTime,
			Digest:  e.digest,
		}
	}
	return idx
}

// MarshalBinary encodes the index as a FlatBuffers buffer.
func (idx *Index) MarshalBinary() ([]byte, error) {
	builder := flatbuffers.NewBuilder(1024)

	// Build entries in reverse order (FlatBuffers requirement)
	offsets := make([]flatbuffers.UOffsetT, len(idx.Entries))
	for i := len(idx.Entries) - 1; i >= 0; i-- {
		e := idx.Entries[i]
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: %s has negative size", ErrInvalidEntry, e.Path)
		}
		pathOffset := builder.CreateString(e.Path)
		var digestOffset flatbuffers.UOffsetT
		if e.Digest != "" {
			digestOffset = builder.CreateString(string(e.Digest))
		}

		fb.EntryStart(builder)
		fb.EntryAddPath(builder, pathOffset)
		fb.EntryAddKind(builder, fb.EntryKind(e.Kind))
		fb.EntryAddSize(builder, uint64(e.Size))
		fb.EntryAddMtimeNs(builder, e.ModTime.UnixNano())
		if e.Digest != "" {
			fb.EntryAddDigest(builder, digestOffset)
		}
		offsets[i] = fb.EntryEnd(builder)
	}

	fb.IndexStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesOffset := builder.EndVector(len(offsets))

	hashOffset := builder.CreateString(string(idx.Hash))
	digestOffset := builder.CreateString(string(idx.ArchiveDigest))

	fb.IndexStart(builder)
	fb.IndexAddVersion(builder, idx.Version)
	fb.IndexAddHashAlgorithm(builder, hashOffset)
	fb.IndexAddArchiveDigest(builder, digestOffset)
	fb.IndexAddBlockSize(builder, uint32(idx.BlockSize)) //nolint:gosec // block sizes fit in 32 bits
	fb.IndexAddLogicalBytes(builder, uint64(max(idx.LogicalBytes, 0)))
	fb.IndexAddPhysicalBytes(builder, uint64(max(idx.PhysicalBytes, 0)))
	fb.IndexAddStartBlock(builder, idx.StartBlock)
	fb.IndexAddCreatedNs(builder, idx.Created.UnixNano())
	fb.IndexAddEntries(builder, entriesOffset)
	builder.Finish(fb.IndexEnd(builder))

	return builder.FinishedBytes(), nil
}

// ParseIndex decodes a FlatBuffers index buffer.
func ParseIndex(data []byte) (idx *Index, err error) {
	defer func() {
		if r := recover(); r != nil {
			idx = nil
			err = fmt.Errorf("%w: %v", ErrInvalidIndex, r)
		}
	}()
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidIndex, len(data))
	}

	root := fb.GetRootAsIndex(data, 0)
	if v := root.Version(); v == 0 || v > IndexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidIndex, v)
	}
	idx = &Index{
		Version:       root.Version(),
		Hash:          HashAlgorithm(root.HashAlgorithm()),
		ArchiveDigest: digest.Digest(root.ArchiveDigest()),
		BlockSize:     int(root.BlockSize()),
		LogicalBytes:  int64(root.LogicalBytes()),  //nolint:gosec // written from int64
		PhysicalBytes: int64(root.PhysicalBytes()), //nolint:gosec // written from int64
		StartBlock:    root.StartBlock(),
		Created:       time.Unix(0, root.CreatedNs()),
		Entries:       make([]IndexEntry, root.EntriesLength()),
	}

	var e fb.Entry
	for i := range idx.Entries {
		if !root.Entries(&e, i) {
			return nil, fmt.Errorf("%w: entry %d missing", ErrInvalidIndex, i)
		}
		idx.Entries[i] = IndexEntry{
			Path:    string(e.Path()),
			Kind:    EntryKind(e.Kind()),
			Size:    int64(e.Size()), //nolint:gosec // written from int64
			ModTime: time.Unix(0, e.MtimeNs()),
			Digest:  digest.Digest(e.Digest()),
		}
	}
	return idx, nil
}

// encodeIndexRecord frames an index buffer and pads it to whole blocks.
func encodeIndexRecord(payload []byte, blockSize int) []byte {
	n := indexHeaderSize + len(payload)
	if rem := n % blockSize; rem != 0 {
		n += blockSize - rem
	}
	rec := make([]byte, n)
	copy(rec, indexMagic)
	binary.LittleEndian.PutUint64(rec[8:], uint64(len(payload)))
	copy(rec[indexHeaderSize:], payload)
	return rec
}

// decodeIndexRecord strips the framing written by encodeIndexRecord.
func decodeIndexRecord(rec []byte) ([]byte, error) {
	if len(rec) < indexHeaderSize || !bytes.Equal(rec[:8], indexMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidIndex)
	}
	n := binary.LittleEndian.Uint64(rec[8:indexHeaderSize])
	if n > uint64(len(rec)-indexHeaderSize) {
		return nil, fmt.Errorf("%w: payload length %d exceeds record", ErrInvalidIndex, n)
	}
	return rec[indexHeaderSize : indexHeaderSize+int(n)], nil //nolint:gosec // bounded above
}

// writeIndex writes the index record and its filemark, returning the
// number of blocks written.
func (w *Writer) writeIndex(ctx context.Context, res *Result, entries []archivedEntry, created time.Time) (int64, error) {
	payload, err := newIndex(res, entries, created).MarshalBinary()
	if err != nil {
		return 0, err
	}
	rec := encodeIndexRecord(payload, res.BlockSize)

	var blocks int64
	for off := 0; off < len(rec); off += res.BlockSize {
		if err := ctx.Err(); err != nil {
			return blocks, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if err := w.dev.Write(rec[off : off+res.BlockSize]); err != nil {
			return blocks, fmt.Errorf("write index block %d: %w", blocks, err)
		}
		blocks++
	}
	if err := w.dev.WriteFilemark(); err != nil {
		return blocks, fmt.Errorf("write index filemark: %w", err)
	}
	w.log().Debug("wrote index record", "entries", len(entries), "blocks", blocks)
	return blocks, nil
}

// ReadIndex positions dev at tape file n and decodes the index record
// stored there. An archive written at the beginning of tape with an index
// record keeps its index in file 1.
func ReadIndex(ctx context.Context, dev device.Device, file int64) (*Index, error) {
	if err := dev.SetFilemarkPosition(file); err != nil {
		return nil, fmt.Errorf("position at file %d: %w", file, err)
	}

	var rec []byte
	block := make([]byte, dev.BlockSize())
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filemark, err := dev.Read(block)
		if errors.Is(err, device.ErrEndOfData) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		if filemark {
			break
		}
		if len(rec) == 0 && !bytes.HasPrefix(block, indexMagic) {
			return nil, fmt.Errorf("%w: tape file %d is not an index record", ErrInvalidIndex, file)
		}
		rec = append(rec, block...)
	}

	payload, err := decodeIndexRecord(rec)
	if err != nil {
		return nil, err
	}
	return ParseIndex(payload)
}
