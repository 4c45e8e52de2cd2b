package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's payload.
const MaxFrameBytes = 16 << 20

// writeFrame gob-encodes v and writes it as a 4-byte little-endian length
// prefix followed by the payload, the framing minimega's meshage package
// leaves to gob's own stream boundaries but which the socket protocol here
// makes explicit so a reader can size its buffer up front and reject
// oversized frames before decoding them.
func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}
	if buf.Len() > MaxFrameBytes {
		return fmt.Errorf("ipc: frame of %d bytes exceeds %d byte limit", buf.Len(), MaxFrameBytes)
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("ipc: writing length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ipc: writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r and gob-decodes it
// into v.
func readFrame(r *bufio.Reader, v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > MaxFrameBytes {
		return fmt.Errorf("ipc: frame of %d bytes exceeds %d byte limit", n, MaxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("ipc: reading frame payload: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("ipc: decoding frame: %w", err)
	}
	return nil
}
