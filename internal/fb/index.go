// Package fb holds FlatBuffers accessors and builders for the tape index
// record described by schema/index.fbs.
package fb

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// EntryKind mirrors the schema enum.
type EntryKind byte

const (
	EntryKindFile      EntryKind = 0
	EntryKindDirectory EntryKind = 1
)

// Entry is one archived file or directory.
type Entry struct {
	_tab flatbuffers.Table
}

// Init points the accessor at a table inside buf.
func (rcv *Entry) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *Entry) Path() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *Entry) Kind() EntryKind {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return EntryKind(rcv._tab.GetByte(o + rcv._tab.Pos))
	}
	return EntryKindFile
}

func (rcv *Entry) Size() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Entry) MtimeNs() int64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(10))
	if o != 0 {
		return rcv._tab.GetInt64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Entry) Digest() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func EntryStart(builder *flatbuffers.Builder) {
	builder.StartObject(5)
}

func EntryAddPath(builder *flatbuffers.Builder, path flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(0, path, 0)
}

func EntryAddKind(builder *flatbuffers.Builder, kind EntryKind) {
	builder.PrependByteSlot(1, byte(kind), 0)
}

func EntryAddSize(builder *flatbuffers.Builder, size uint64) {
	builder.PrependUint64Slot(2, size, 0)
}

func EntryAddMtimeNs(builder *flatbuffers.Builder, mtimeNs int64) {
	builder.PrependInt64Slot(3, mtimeNs, 0)
}

func EntryAddDigest(builder *flatbuffers.Builder, digest flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(4, digest, 0)
}

func EntryEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// Index is the root table.
type Index struct {
	_tab flatbuffers.Table
}

// GetRootAsIndex returns the root table of a finished buffer.
func GetRootAsIndex(buf []byte, offset flatbuffers.UOffsetT) *Index {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &Index{}
	x.Init(buf, n+offset)
	return x
}

// Init points the accessor at a table inside buf.
func (rcv *Index) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *Index) Version() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Index) HashAlgorithm() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *Index) ArchiveDigest() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *Index) BlockSize() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(10))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Index) LogicalBytes() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Index) PhysicalBytes() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(14))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Index) StartBlock() int64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(16))
	if o != 0 {
		return rcv._tab.GetInt64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Index) CreatedNs() int64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(18))
	if o != 0 {
		return rcv._tab.GetInt64(o + rcv._tab.Pos)
	}
	return 0
}

// Entries loads entry j into obj.
func (rcv *Index) Entries(obj *Entry, j int) bool {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(20))
	if o != 0 {
		x := rcv._tab.Vector(o)
		x += flatbuffers.UOffsetT(j) * 4
		x = rcv._tab.Indirect(x)
		obj.Init(rcv._tab.Bytes, x)
		return true
	}
	return false
}

func (rcv *Index) EntriesLength() int {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(20))
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}
	return 0
}

func IndexStart(builder *flatbuffers.Builder) {
	builder.StartObject(9)
}

func IndexAddVersion(builder *flatbuffers.Builder, version uint32) {
	builder.PrependUint32Slot(0, version, 0)
}

func IndexAddHashAlgorithm(builder *flatbuffers.Builder, algorithm flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(1, algorithm, 0)
}

func IndexAddArchiveDigest(builder *flatbuffers.Builder, digest flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(2, digest, 0)
}

func IndexAddBlockSize(builder *flatbuffers.Builder, blockSize uint32) {
	builder.PrependUint32Slot(3, blockSize, 0)
}

func IndexAddLogicalBytes(builder *flatbuffers.Builder, n uint64) {
	builder.PrependUint64Slot(4, n, 0)
}

func IndexAddPhysicalBytes(builder *flatbuffers.Builder, n uint64) {
	builder.PrependUint64Slot(5, n, 0)
}

func IndexAddStartBlock(builder *flatbuffers.Builder, block int64) {
	builder.PrependInt64Slot(6, block, 0)
}

func IndexAddCreatedNs(builder *flatbuffers.Builder, createdNs int64) {
	builder.PrependInt64Slot(7, createdNs, 0)
}

func IndexAddEntries(builder *flatbuffers.Builder, entries flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(8, entries, 0)
}

func IndexStartEntriesVector(builder *flatbuffers.Builder, numElems int) flatbuffers.UOffsetT {
	return builder.StartVector(4, numElems, 4)
}

func IndexEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}
