package cas

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// blobDirectory and blobPath mirror the two-level sharded layout perkeep's
// localdisk storage uses (pkg/blobserver/localdisk/path.go), keyed on the
// BLAKE3 hash instead of a sha1/sha256 blob.Ref, and carrying the size in
// the filename so blobs of different size never physically collide even
// under a truncated/corrupted hash comparison.
func (s *Store) blobDirectory(h Hash) string {
	hx := hex.EncodeToString(h[:1])
	yy := hex.EncodeToString(h[1:2])
	return filepath.Join(s.root, "blake3", hx, yy)
}

func (s *Store) blobPath(h Hash, size int64) string {
	return filepath.Join(s.blobDirectory(h), fmt.Sprintf("%s_%d.bin", h, size))
}

// blobBaseName returns the filename prefix shared by every blob of hash h,
// whatever its size.
func blobBaseName(h Hash) string {
	return h.String() + "_"
}
