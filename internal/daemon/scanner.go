package daemon

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	watermarkKey   = "scan_watermark_unix_nano"
	maxScanDepth   = 50
)

// CompensationScan walks root comparing each file's and symlink's mtime
// against the manifest's last-scan watermark, emitting an IngestEvent for
// anything newer, catching changes made while the daemon, and therefore the
// watcher, was not running. Directories get an event whatever their mtime.
// It skips DefaultIgnorePatterns and never descends past
// maxScanDepth directories below root.
func CompensationScan(root string, watermark time.Time, emit func(IngestEvent)) error {
	return walkBounded(root, root, watermark, emit)
}

func walkBounded(root, dir string, watermark time.Time, emit func(IngestEvent)) error {
	depth := depthOf(root, dir)
	if depth > maxScanDepth {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

entries:
	for _, ent := range entries {
		path := filepath.Join(dir, ent.Name())
		if rel, err := filepath.Rel(root, path); err == nil {
			for _, pattern := range DefaultIgnorePatterns {
				if strings.HasPrefix(rel, pattern) {
					continue entries
				}
			}
		}

		if ent.Type()&os.ModeSymlink != 0 {
			info, err := os.Lstat(path)
			if err == nil && info.ModTime().After(watermark) {
				emit(IngestEvent{Kind: EventSymlinkCreated, Path: path})
			}
			continue
		}
		if ent.IsDir() {
			emit(IngestEvent{Kind: EventDirCreated, Path: path})
			if err := walkBounded(root, path, watermark, emit); err != nil {
				return err
			}
			continue
		}

		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(watermark) {
			emit(IngestEvent{Kind: EventFileChanged, Path: path})
		}
	}
	return nil
}

func depthOf(root, dir string) int {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return 0
	}
	depth := 1
	for _, r := range rel {
		if r == filepath.Separator {
			depth++
		}
	}
	return depth
}

// EncodeWatermark/DecodeWatermark store the scan watermark as an 8-byte
// little-endian unix-nano value in the manifest's meta bucket.
func EncodeWatermark(t time.Time) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

func DecodeWatermark(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(b)))
}
