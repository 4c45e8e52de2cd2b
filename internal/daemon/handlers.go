package daemon

import (
	"os"
	"path/filepath"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
	"github.com/velo-sh/velo-rift-sub001/internal/ipc"
	"github.com/velo-sh/velo-rift-sub001/internal/manifest"
)

const serverVersion = "vdird/1"

// handle dispatches one decoded Request to the matching daemon operation.
// Mutations take d.mu, the single writer lock shared with the ingest
// worker, so Manifest/VDir mutation is serialized across both IPC clients
// and filesystem-driven ingest.
func (d *Daemon) handle(req *ipc.Request) *ipc.Response {
	switch req.Kind {
	case ipc.KindHandshake:
		return d.handleHandshake(req.Handshake)
	case ipc.KindStatus:
		return d.handleStatus()
	case ipc.KindManifestUpsert:
		return d.handleManifestUpsert(req.ManifestUpsert)
	case ipc.KindManifestGet:
		return d.handleManifestGet(req.ManifestGet)
	case ipc.KindManifestRemove:
		return d.handleManifestRemove(req.ManifestRemove)
	case ipc.KindCasInsert:
		return d.handleCasInsert(req.CasInsert)
	case ipc.KindCasGet:
		return d.handleCasGet(req.CasGet)
	case ipc.KindSpawn:
		return d.handleSpawn(req.Spawn)
	case ipc.KindManifestReingest:
		return d.handleManifestReingest(req.ManifestReingest)
	default:
		return &ipc.Response{Err: "unknown request kind"}
	}
}

func (d *Daemon) handleHandshake(req *ipc.HandshakeReq) *ipc.Response {
	if req == nil || req.ProtocolVersion != ipc.ProtocolVersion {
		return &ipc.Response{Err: "protocol version mismatch"}
	}
	return &ipc.Response{Handshake: &ipc.HandshakeResp{ServerVersion: serverVersion}}
}

func (d *Daemon) handleStatus() *ipc.Response {
	var entryCount int64
	if err := d.manifest.Iter(func(manifest.VnodeEntry) error { entryCount++; return nil }); err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	stats, err := d.cas.Stats()
	if err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{Status: &ipc.StatusResp{
		ProjectRoot:  d.paths.Root,
		EntryCount:   entryCount,
		BlobCount:    stats.BlobCount,
		BlobBytes:    stats.TotalSize,
		RejectedSecs: d.pipeline.Security.RejectedCount(),
	}}
}

func (d *Daemon) handleManifestUpsert(req *ipc.ManifestUpsertReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing ManifestUpsert body"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.manifest.Upsert(req.Entry); err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{}
}

func (d *Daemon) handleManifestGet(req *ipc.ManifestGetReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing ManifestGet body"}
	}
	e, found, err := d.manifest.Get(req.Path)
	if err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{ManifestGet: &ipc.ManifestGetResp{Entry: e, Found: found}}
}

func (d *Daemon) handleManifestRemove(req *ipc.ManifestRemoveReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing ManifestRemove body"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.manifest.Remove(req.Path); err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{}
}

func (d *Daemon) handleCasInsert(req *ipc.CasInsertReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing CasInsert body"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, isNew, err := d.cas.Store(req.Data, cas.Tier(req.Tier))
	if err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{CasInsert: &ipc.CasInsertResp{Hash: h, Deduped: !isNew, SizeBytes: int64(len(req.Data))}}
}

func (d *Daemon) handleCasGet(req *ipc.CasGetReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing CasGet body"}
	}
	data, err := d.cas.Get(req.Hash, req.SizeBytes)
	if err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{CasGet: &ipc.CasGetResp{Data: data}}
}

// handleSpawn acknowledges a child process the shim has fork/exec'd; this
// daemon doesn't itself launch processes and records nothing about the
// PID, and ManifestReingest calls are not checked against it.
func (d *Daemon) handleSpawn(req *ipc.SpawnReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing Spawn body"}
	}
	return &ipc.Response{Spawn: &ipc.SpawnResp{Acknowledged: true}}
}

func (d *Daemon) handleManifestReingest(req *ipc.ManifestReingestReq) *ipc.Response {
	if req == nil {
		return &ipc.Response{Err: "missing ManifestReingest body"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.TempPath != "" {
		info, err := os.Stat(req.TempPath)
		if err != nil {
			return &ipc.Response{Err: err.Error()}
		}
		tier := d.pipeline.Classifier.Classify(req.VPath)

		h, err := d.pipeline.PhantomIngest(req.VPath, req.TempPath)
		if err != nil {
			return &ipc.Response{Err: err.Error()}
		}
		if err := d.manifest.Upsert(manifest.VnodeEntry{
			Path:     req.VPath,
			CasHash:  h,
			Size:     info.Size(),
			MtimeSec: info.ModTime().Unix(),
			Mode:     uint32(info.Mode().Perm()),
			Tier:     tier,
		}); err != nil {
			return &ipc.Response{Err: err.Error()}
		}
		return &ipc.Response{ManifestReingest: &ipc.ManifestReingestResp{Hash: h}}
	}

	realPath := d.toRealPath(req.VPath)
	h, _, err := d.pipeline.IngestFile(req.VPath, realPath)
	if err != nil {
		return &ipc.Response{Err: err.Error()}
	}
	return &ipc.Response{ManifestReingest: &ipc.ManifestReingestResp{Hash: h}}
}

func (d *Daemon) toRealPath(vpath string) string {
	return filepath.Join(d.paths.Root, filepath.FromSlash(vpath))
}
