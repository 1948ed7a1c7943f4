package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Bundle is the cold-storage form of one retired version: the identifier
// manifests of all three stores plus the snapshot handles needed to audit it
// later. The live namespaces are dropped after export; the bundle is what
// remains.
type Bundle struct {
	VersionID  string         `json:"versionId"`
	ArchivedAt time.Time      `json:"archivedAt"`
	Stores     []StoreExport  `json:"stores"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// StoreExport is one store's contribution to the bundle.
type StoreExport struct {
	Store       string   `json:"store"`
	Namespace   string   `json:"namespace"`
	Count       int64    `json:"count"`
	Digest      uint32   `json:"digest"`
	Identifiers []string `json:"identifiers"`
}

// Encode serializes and compresses the bundle. The layout is
// zstd(json) followed by a little-endian CRC32 of the compressed payload,
// so integrity is checked before decompression is attempted.
func (b *Bundle) Encode() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("archive: encode bundle %s: %w", b.VersionID, err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("archive: zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("archive: compress bundle %s: %w", b.VersionID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("archive: compress bundle %s: %w", b.VersionID, err)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, sum)
	return append(buf.Bytes(), trailer...), nil
}

// DecodeBundle verifies the checksum and decompresses a bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("archive: bundle truncated")
	}
	payload, trailer := data[:len(data)-4], data[len(data)-4:]
	want := binary.LittleEndian.Uint32(trailer)
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("archive: bundle checksum mismatch: %08x != %08x", got, want)
	}

	dec, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("archive: zstd reader: %w", err)
	}
	defer dec.Close()

	var b Bundle
	if err := json.NewDecoder(dec.IOReadCloser()).Decode(&b); err != nil {
		return nil, fmt.Errorf("archive: decode bundle: %w", err)
	}
	return &b, nil
}

// Key returns the object key a version's bundle is stored under.
func Key(versionID string) string {
	return versionID + ".json.zst"
}

// Archiver writes bundles to a blob store.
type Archiver struct {
	blobs BlobStore
}

// NewArchiver creates an Archiver over a blob store.
func NewArchiver(blobs BlobStore) *Archiver {
	return &Archiver{blobs: blobs}
}

// Store encodes and uploads the bundle, returning its URI.
func (a *Archiver) Store(ctx context.Context, b *Bundle) (string, error) {
	data, err := b.Encode()
	if err != nil {
		return "", err
	}
	return a.blobs.Put(ctx, Key(b.VersionID), data)
}

// Load fetches and decodes a version's bundle.
func (a *Archiver) Load(ctx context.Context, versionID string) (*Bundle, error) {
	data, err := a.blobs.Get(ctx, Key(versionID))
	if err != nil {
		return nil, err
	}
	return DecodeBundle(data)
}
