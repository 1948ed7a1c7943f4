package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBundle() *Bundle {
	return &Bundle{
		VersionID:  "v0003_20250318_143025",
		ArchivedAt: time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC),
		Stores: []StoreExport{
			{Store: "relational", Namespace: "v_v0003_20250318_143025", Count: 3, Digest: 0xdeadbeef,
				Identifiers: []string{"bk:g01:l001", "bk:g01:l002", "bk:g01:l003"}},
			{Store: "vector", Namespace: "v_v0003_20250318_143025", Count: 3, Digest: 0xdeadbeef,
				Identifiers: []string{"bk:g01:l001", "bk:g01:l002", "bk:g01:l003"}},
			{Store: "graph", Namespace: "v_v0003_20250318_143025", Count: 4, Digest: 0xcafe,
				Identifiers: []string{"bk:g01", "bk:g01:l001", "bk:g01:l002", "bk:g01:l003"}},
		},
	}
}

func TestBundleEncodeDecodeRoundTrip(t *testing.T) {
	b := sampleBundle()

	data, err := b.Encode()
	require.NoError(t, err)

	got, err := DecodeBundle(data)
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, got.VersionID)
	require.Len(t, got.Stores, 3)
	assert.Equal(t, b.Stores[0].Identifiers, got.Stores[0].Identifiers)
	assert.Equal(t, b.Stores[2].Count, got.Stores[2].Count)
}

func TestDecodeBundleRejectsCorruption(t *testing.T) {
	data, err := sampleBundle().Encode()
	require.NoError(t, err)

	// Flip one payload byte; the CRC trailer must catch it before any
	// decompression is attempted.
	data[len(data)/2] ^= 0xff
	_, err = DecodeBundle(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")

	_, err = DecodeBundle([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestDirStorePutGetDelete(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := s.Put(ctx, "x.json.zst", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "dir://"))

	got, err := s.Get(ctx, "x.json.zst")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	// Overwrites are atomic replacements, not appends.
	_, err = s.Put(ctx, "x.json.zst", []byte("second"))
	require.NoError(t, err)
	got, err = s.Get(ctx, "x.json.zst")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	require.NoError(t, s.Delete(ctx, "x.json.zst"))
	require.NoError(t, s.Delete(ctx, "x.json.zst")) // absent key is a no-op
	_, err = s.Get(ctx, "x.json.zst")
	require.Error(t, err)
}

func TestDirStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDirStore(dir)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "a", []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".put-"), "leftover temp file %s", e.Name())
	}
}

func TestArchiverStoreLoad(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(s)
	ctx := context.Background()

	b := sampleBundle()
	uri, err := a.Store(ctx, b)
	require.NoError(t, err)
	assert.Contains(t, uri, Key(b.VersionID))

	got, err := a.Load(ctx, b.VersionID)
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, got.VersionID)
	assert.Len(t, got.Stores, 3)
}

func TestOpenBlobStoreSchemes(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBlobStore(context.Background(), "dir://"+dir, S3Config{})
	require.NoError(t, err)
	_, ok := s.(*DirStore)
	assert.True(t, ok)

	_, err = OpenBlobStore(context.Background(), "ftp://somewhere", S3Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported backend scheme")

	_, err = OpenBlobStore(context.Background(), "://bad", S3Config{})
	require.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	key := Key("v0004_20250401_090000")
	assert.Equal(t, "v0004_20250401_090000.json.zst", key)
	assert.Equal(t, filepath.Base(key), key)
}
