// Package pstream implements the framed, multiplexed packet/memblock
// stream that rides on top of a single reliable bytestream (spec §4.5):
// control packets and audio payloads share one connection, distinguished
// by a 20-byte descriptor in front of every frame, with an optional
// shared-memory fast path for large payloads.
package pstream

import (
	"encoding/binary"

	"bken/pulsed/memblockq"
)

// ChannelControl is the reserved channel value identifying a control
// packet rather than an audio payload (spec §3 "PStream FrameDescriptor").
const ChannelControl uint32 = 0xFFFFFFFF

// shmVariant occupies the high byte of a descriptor's 32-bit flags word.
type shmVariant byte

const (
	shmInline  shmVariant = 0x00
	shmData    shmVariant = 0x80
	shmRelease shmVariant = 0x40
	shmRevoke  shmVariant = 0xC0
)

const shmVariantMask uint32 = 0xFF000000

// seekModeMask isolates flags' low byte, the seek mode (spec §3 "flags
// carries the seek mode (low byte)").
const seekModeMask uint32 = 0x000000FF

// reservedFlagsMask covers the 16 bits of a flags word that name neither
// the SHM variant nor the seek mode; any set bit here is a protocol
// violation (spec §9 open question, "Spec choice: reject on the receive
// path, never set on the send path").
const reservedFlagsMask uint32 = 0x00FFFF00

// descriptorSize is the fixed size in bytes of every frame's header.
const descriptorSize = 20

// shmRefSize is the fixed size of a SHMDATA payload: [block_id, shm_id,
// index, length], four big-endian uint32s (spec §4.5).
const shmRefSize = 16

// descriptor is the 5-word, 20-byte, big-endian frame header preceding
// every frame's payload (spec §3 "PStream FrameDescriptor").
type descriptor struct {
	length   uint32
	channel  uint32
	offsetHi uint32
	offsetLo uint32
	flags    uint32
}

func (d descriptor) variant() shmVariant { return shmVariant((d.flags & shmVariantMask) >> 24) }
func (d descriptor) seekMode() byte      { return byte(d.flags & seekModeMask) }
func (d descriptor) reservedBitsSet() bool {
	return d.flags&reservedFlagsMask != 0
}

func (d descriptor) offset() uint64 {
	return uint64(d.offsetHi)<<32 | uint64(d.offsetLo)
}

// blockID reinterprets offsetHi as a block id, used by the SHMRELEASE and
// SHMREVOKE variants, which carry no (offset, length) payload (spec §4.5
// "offset_hi carries the block ID").
func (d descriptor) blockID() uint32 { return d.offsetHi }

func makeFlags(variant shmVariant, seek byte) uint32 {
	return uint32(variant)<<24 | uint32(seek)
}

func (d descriptor) encode() [descriptorSize]byte {
	var buf [descriptorSize]byte
	binary.BigEndian.PutUint32(buf[0:4], d.length)
	binary.BigEndian.PutUint32(buf[4:8], d.channel)
	binary.BigEndian.PutUint32(buf[8:12], d.offsetHi)
	binary.BigEndian.PutUint32(buf[12:16], d.offsetLo)
	binary.BigEndian.PutUint32(buf[16:20], d.flags)
	return buf
}

func decodeDescriptor(buf []byte) descriptor {
	return descriptor{
		length:   binary.BigEndian.Uint32(buf[0:4]),
		channel:  binary.BigEndian.Uint32(buf[4:8]),
		offsetHi: binary.BigEndian.Uint32(buf[8:12]),
		offsetLo: binary.BigEndian.Uint32(buf[12:16]),
		flags:    binary.BigEndian.Uint32(buf[16:20]),
	}
}

func seekModeValid(b byte) bool {
	return b <= byte(memblockq.SeekRelativeEnd)
}

// shmRef is the decoded form of a SHMDATA payload.
type shmRef struct {
	blockID uint32
	shmID   uint32
	index   uint32
	length  uint32
}

func (r shmRef) encode() [shmRefSize]byte {
	var buf [shmRefSize]byte
	binary.BigEndian.PutUint32(buf[0:4], r.blockID)
	binary.BigEndian.PutUint32(buf[4:8], r.shmID)
	binary.BigEndian.PutUint32(buf[8:12], r.index)
	binary.BigEndian.PutUint32(buf[12:16], r.length)
	return buf
}

func decodeShmRef(buf []byte) shmRef {
	return shmRef{
		blockID: binary.BigEndian.Uint32(buf[0:4]),
		shmID:   binary.BigEndian.Uint32(buf[4:8]),
		index:   binary.BigEndian.Uint32(buf[8:12]),
		length:  binary.BigEndian.Uint32(buf[12:16]),
	}
}
