// Package ipc implements the length-prefixed, gob-encoded request/response
// protocol spoken between CLI/shim clients and the per-project daemon over
// a Unix domain socket.
package ipc

import "github.com/velo-sh/velo-rift-sub001/internal/manifest"

// ProtocolVersion is bumped whenever the wire shape of Request/Response
// changes incompatibly. A mismatch during Handshake closes the connection.
const ProtocolVersion = 1

// Kind selects which optional field of Request/Response is populated. Gob
// can encode tagged unions via registered interfaces, but a flat envelope
// with one populated pointer field per Kind keeps the wire format a single
// concrete struct, with no interface registration required on either end.
type Kind uint8

const (
	KindHandshake Kind = iota + 1
	KindStatus
	KindManifestUpsert
	KindManifestGet
	KindManifestRemove
	KindCasInsert
	KindCasGet
	KindSpawn
	KindManifestReingest
)

// Request is one client call. ID correlates it with its Response.
type Request struct {
	ID   string
	Kind Kind

	Handshake        *HandshakeReq
	ManifestUpsert   *ManifestUpsertReq
	ManifestGet      *ManifestGetReq
	ManifestRemove   *ManifestRemoveReq
	CasInsert        *CasInsertReq
	CasGet           *CasGetReq
	Spawn            *SpawnReq
	ManifestReingest *ManifestReingestReq
}

// Response answers a Request sharing the same ID. Err is non-empty on
// failure; exactly one of the Kind-specific fields (or none, for void
// calls such as ManifestUpsert and ManifestRemove) is populated otherwise.
type Response struct {
	ID  string
	Err string

	Handshake        *HandshakeResp
	Status           *StatusResp
	ManifestGet      *ManifestGetResp
	CasInsert        *CasInsertResp
	CasGet           *CasGetResp
	Spawn            *SpawnResp
	ManifestReingest *ManifestReingestResp
}

type HandshakeReq struct {
	ClientVersion   string
	ProtocolVersion int
}

type HandshakeResp struct {
	ServerVersion string
}

type StatusResp struct {
	ProjectRoot  string
	EntryCount   int64
	BlobCount    int64
	BlobBytes    int64
	RejectedSecs int64
}

type ManifestUpsertReq struct {
	Entry manifest.VnodeEntry
}

type ManifestGetReq struct {
	Path string
}

type ManifestGetResp struct {
	Entry manifest.VnodeEntry
	Found bool
}

type ManifestRemoveReq struct {
	Path string
}

type CasInsertReq struct {
	Data []byte
	Tier uint8
}

type CasInsertResp struct {
	Hash      [32]byte
	Deduped   bool
	SizeBytes int64
}

type CasGetReq struct {
	Hash      [32]byte
	SizeBytes int64
}

type CasGetResp struct {
	Data []byte
}

// SpawnReq tells the daemon about a child process the shim has just
// fork/exec'd. The daemon acknowledges it and records nothing about the PID.
type SpawnReq struct {
	PID int32
}

type SpawnResp struct {
	Acknowledged bool
}

// ManifestReingestReq triggers a re-scan of vpath. When TempPath is set,
// it names a copy-on-write staging file the daemon owns exclusively (the
// shim's write-close path) and the daemon runs Phantom ingest, renaming
// TempPath into CAS; when empty, the daemon re-ingests vpath's real on-disk
// file into CAS in place and returns its hash (a manual-rescan path),
// without updating the manifest entry.
type ManifestReingestReq struct {
	VPath    string
	TempPath string
}

type ManifestReingestResp struct {
	Hash [32]byte
}
