package manifest

import "github.com/velo-sh/velo-rift-sub001/internal/cas"

// VnodeEntry is the durable record for one virtual path. It is the
// authoritative, disk-backed counterpart to a vdir.Entry; the two are kept
// in lockstep by Manifest.Upsert (C3's "dual projection").
type VnodeEntry struct {
	Path      string    `json:"path"`
	CasHash   cas.Hash  `json:"cas_hash"`
	Size      int64     `json:"size"`
	MtimeSec  int64     `json:"mtime_sec"`
	MtimeNsec int32     `json:"mtime_nsec"`
	Mode      uint32    `json:"mode"`
	Tier      cas.Tier  `json:"tier"`
	Dir       bool      `json:"dir,omitempty"`
	Symlink   bool      `json:"symlink,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}
