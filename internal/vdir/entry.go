package vdir

import "encoding/binary"

// EntrySize is the fixed 72-byte entry layout.
const EntrySize = 72

const (
	eOffPathHash  = 0
	eOffCasHash   = 8  // 32 bytes
	eOffSize      = 40
	eOffMtimeSec  = 48
	eOffMtimeNsec = 56
	eOffMode      = 60
	eOffPathOff   = 64
	eOffFlags     = 68
	eOffPathLen   = 70
)

// Flag bits for an entry.
const (
	FlagDirty uint16 = 1 << iota
	FlagDeleted
	FlagSymlink
	FlagDir
)

// slot is an accessor over one EntrySize-byte region of the table.
type slot struct {
	buf []byte
}

func newSlot(buf []byte) slot { return slot{buf: buf[:EntrySize:EntrySize]} }

func (s slot) PathHash() uint64 { return binary.LittleEndian.Uint64(s.buf[eOffPathHash:]) }
func (s slot) SetPathHash(v uint64) {
	binary.LittleEndian.PutUint64(s.buf[eOffPathHash:], v)
}

func (s slot) CasHash() [32]byte {
	var h [32]byte
	copy(h[:], s.buf[eOffCasHash:eOffCasHash+32])
	return h
}
func (s slot) SetCasHash(h [32]byte) { copy(s.buf[eOffCasHash:eOffCasHash+32], h[:]) }

func (s slot) Size() uint64     { return binary.LittleEndian.Uint64(s.buf[eOffSize:]) }
func (s slot) SetSize(v uint64) { binary.LittleEndian.PutUint64(s.buf[eOffSize:], v) }

func (s slot) MtimeSec() int64 {
	return int64(binary.LittleEndian.Uint64(s.buf[eOffMtimeSec:]))
}
func (s slot) SetMtimeSec(v int64) {
	binary.LittleEndian.PutUint64(s.buf[eOffMtimeSec:], uint64(v))
}

func (s slot) MtimeNsec() uint32     { return binary.LittleEndian.Uint32(s.buf[eOffMtimeNsec:]) }
func (s slot) SetMtimeNsec(v uint32) { binary.LittleEndian.PutUint32(s.buf[eOffMtimeNsec:], v) }

func (s slot) Mode() uint32     { return binary.LittleEndian.Uint32(s.buf[eOffMode:]) }
func (s slot) SetMode(v uint32) { binary.LittleEndian.PutUint32(s.buf[eOffMode:], v) }

func (s slot) PathOffset() uint32     { return binary.LittleEndian.Uint32(s.buf[eOffPathOff:]) }
func (s slot) SetPathOffset(v uint32) { binary.LittleEndian.PutUint32(s.buf[eOffPathOff:], v) }

func (s slot) Flags() uint16     { return binary.LittleEndian.Uint16(s.buf[eOffFlags:]) }
func (s slot) SetFlags(v uint16) { binary.LittleEndian.PutUint16(s.buf[eOffFlags:], v) }

func (s slot) PathLen() uint16     { return binary.LittleEndian.Uint16(s.buf[eOffPathLen:]) }
func (s slot) SetPathLen(v uint16) { binary.LittleEndian.PutUint16(s.buf[eOffPathLen:], v) }

func (s slot) Empty() bool    { return s.PathHash() == 0 }
func (s slot) Deleted() bool  { return s.Flags()&FlagDeleted != 0 }

func (s slot) clear() {
	for i := range s.buf {
		s.buf[i] = 0
	}
}

// Entry is the decoded, detached form of a slot, safe to hold onto after
// the seqlock read that produced it.
type Entry struct {
	Path      string
	CasHash   [32]byte
	Size      uint64
	MtimeSec  int64
	MtimeNsec uint32
	Mode      uint32
	Flags     uint16
}

func (e Entry) IsDir() bool     { return e.Flags&FlagDir != 0 }
func (e Entry) IsSymlink() bool { return e.Flags&FlagSymlink != 0 }
func (e Entry) IsDeleted() bool { return e.Flags&FlagDeleted != 0 }
func (e Entry) IsDirty() bool   { return e.Flags&FlagDirty != 0 }
