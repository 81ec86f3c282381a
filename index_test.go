package tape

import (
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	created := time.Unix(1700000000, 123456789)
	idx := &Index{
		Version:       IndexVersion,
		Hash:          HashSHA512,
		ArchiveDigest: digest.SHA512.FromString("archive"),
		BlockSize:     65536,
		LogicalBytes:  12345,
		PhysicalBytes: 65536,
		StartBlock:    -1,
		Created:       created,
		Entries: []IndexEntry{
			{Path: "dir/", Kind: KindDirectory, ModTime: testTime},
			{Path: "dir/file", Kind: KindFile, Size: 42, ModTime: testTime, Digest: digest.SHA512.FromString("file")},
		},
	}
	data, err := idx.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseIndex(data)
	require.NoError(t, err)
	assert.Equal(t, idx.ArchiveDigest, got.ArchiveDigest)
	assert.Equal(t, idx.Hash, got.Hash)
	assert.Equal(t, int64(-1), got.StartBlock)
	assert.True(t, got.Created.Equal(created))
	require.Len(t, got.Entries, 2)
	assert.Equal(t, idx.Entries[1].Digest, got.Entries[1].Digest)
	assert.Equal(t, int64(42), got.Entries[1].Size)
	assert.Equal(t, KindDirectory, got.Entries[0].Kind)

	_, ok := got.Lookup("missing")
	assert.False(t, ok)
}

func TestIndexEmpty(t *testing.T) {
	t.Parallel()

	data, err := (&Index{Version: IndexVersion, Hash: HashSHA256}).MarshalBinary()
	require.NoError(t, err)
	got, err := ParseIndex(data)
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
	assert.Zero(t, got.Files())
}

func TestParseIndexRejectsGarbage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{1, 2, 3}},
		{"bad offset", []byte{0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseIndex(tc.data)
			assert.ErrorIs(t, err, ErrInvalidIndex)
		})
	}
}

func TestIndexRecordFraming(t *testing.T) {
	t.Parallel()

	payload := []byte("flatbuffer payload")
	rec := encodeIndexRecord(payload, 512)
	assert.Len(t, rec, 512)

	got, err := decodeIndexRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	rec[0] = 'X'
	_, err = decodeIndexRecord(rec)
	assert.ErrorIs(t, err, ErrInvalidIndex)

	rec = encodeIndexRecord(make([]byte, 600), 512)
	assert.Len(t, rec, 1024)
	rec[8] = 0xff
	rec[9] = 0xff
	_, err = decodeIndexRecord(rec)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestIndexNegativeSize(t *testing.T) {
	t.Parallel()

	_, err := (&Index{Entries: []IndexEntry{{Path: "x", Size: -1}}}).MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidEntry)
}
