package vdir

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic identifies a VDir file: "VRFT" read as a big-endian uint32.
const Magic uint32 = 0x56524654

// Version is the on-disk format version this package reads and writes.
const Version uint32 = 3

// HeaderSize is the fixed 64-byte header size.
const HeaderSize = 64

const (
	offMagic             = 0
	offVersion           = 4
	offGeneration        = 8
	offEntryCount        = 16
	offTableCapacity     = 20
	offTableOffset       = 24
	offCRC32             = 28
	offStringPoolOffset  = 32
	offStringPoolSize    = 36
	offStringPoolCap     = 40
	// bytes 44..64 are reserved padding
)

// header is a thin accessor over the first HeaderSize bytes of a mapped
// VDir file. All fields are little-endian, matching Go's native encoding
// on every platform this runs on.
type header struct {
	buf []byte
}

func newHeader(buf []byte) header { return header{buf: buf[:HeaderSize:HeaderSize]} }

func (h header) Magic() uint32      { return binary.LittleEndian.Uint32(h.buf[offMagic:]) }
func (h header) SetMagic(v uint32)  { binary.LittleEndian.PutUint32(h.buf[offMagic:], v) }
func (h header) Version() uint32    { return binary.LittleEndian.Uint32(h.buf[offVersion:]) }
func (h header) SetVersion(v uint32) { binary.LittleEndian.PutUint32(h.buf[offVersion:], v) }

func (h header) Generation() uint64 { return binary.LittleEndian.Uint64(h.buf[offGeneration:]) }

func (h header) EntryCount() uint32     { return binary.LittleEndian.Uint32(h.buf[offEntryCount:]) }
func (h header) SetEntryCount(v uint32) { binary.LittleEndian.PutUint32(h.buf[offEntryCount:], v) }

func (h header) TableCapacity() uint32 { return binary.LittleEndian.Uint32(h.buf[offTableCapacity:]) }
func (h header) SetTableCapacity(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[offTableCapacity:], v)
}

func (h header) TableOffset() uint32     { return binary.LittleEndian.Uint32(h.buf[offTableOffset:]) }
func (h header) SetTableOffset(v uint32) { binary.LittleEndian.PutUint32(h.buf[offTableOffset:], v) }

func (h header) CRC32() uint32     { return binary.LittleEndian.Uint32(h.buf[offCRC32:]) }
func (h header) SetCRC32(v uint32) { binary.LittleEndian.PutUint32(h.buf[offCRC32:], v) }

func (h header) StringPoolOffset() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offStringPoolOffset:])
}
func (h header) SetStringPoolOffset(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[offStringPoolOffset:], v)
}

func (h header) StringPoolSize() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offStringPoolSize:])
}
func (h header) SetStringPoolSize(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[offStringPoolSize:], v)
}

func (h header) StringPoolCapacity() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offStringPoolCap:])
}
func (h header) SetStringPoolCapacity(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[offStringPoolCap:], v)
}

// computeCRC covers the header bytes preceding the crc32 field, except the
// generation counter: the writer bumps that on every mutation after the
// CRC has been recomputed, so it is left out of the checksum.
func (h header) computeCRC() uint32 {
	c := crc32.ChecksumIEEE(h.buf[:offGeneration])
	return crc32.Update(c, crc32.IEEETable, h.buf[offEntryCount:offCRC32])
}

func (h header) RecomputeCRC() { h.SetCRC32(h.computeCRC()) }

func (h header) VerifyCRC() bool { return h.CRC32() == h.computeCRC() }
