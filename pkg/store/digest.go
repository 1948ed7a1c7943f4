package store

import (
	"context"
	"hash/crc32"
)

// IdentifierDigest accumulates an order-independent digest over a
// namespace's identifier set: a running XOR of per-identifier CRC32 values
// plus a record count. Adapters feed it page by page in whatever order their
// pagination yields; the pair (count, digest) is what SnapshotRef records
// and VerifySnapshot rechecks.
type IdentifierDigest struct {
	count int64
	xor   uint32
}

// Add folds identifiers into the digest.
func (d *IdentifierDigest) Add(ids ...string) {
	for _, id := range ids {
		d.xor ^= crc32.ChecksumIEEE([]byte(id))
		d.count++
	}
}

// Count returns the number of identifiers folded in.
func (d *IdentifierDigest) Count() int64 { return d.count }

// Sum returns the accumulated digest.
func (d *IdentifierDigest) Sum() uint32 { return d.xor }

// DigestNamespace drains a paginated identifier enumeration into a digest.
// Shared by the adapter Snapshot and VerifySnapshot implementations.
func DigestNamespace(ctx context.Context, list func(pageToken string, pageSize int) ([]string, string, error)) (int64, uint32, error) {
	var d IdentifierDigest
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		ids, next, err := list(token, 1000)
		if err != nil {
			return 0, 0, err
		}
		d.Add(ids...)
		if next == "" {
			return d.Count(), d.Sum(), nil
		}
		token = next
	}
}
