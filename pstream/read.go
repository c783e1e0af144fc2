package pstream

import (
	"bken/pulsed/ioadapter"
	"bken/pulsed/memblockq"
)

// pumpRead drives the read state machine as far as it can go without
// blocking: fill the header, validate it, fill the body, then dispatch the
// completed frame (spec §4.5 read loop).
func (p *PStream) pumpRead() {
	for {
		switch p.rstate {
		case readIdle:
			p.rDescOff = 0
			p.rstate = readHeaderIn

		case readHeaderIn:
			n, creds, ok, err := p.ch.ReadWithCreds(p.rDesc[p.rDescOff:descriptorSize])
			if ok {
				p.rCreds, p.rCredsOK = creds, true
			}
			p.rDescOff += n
			if err != nil {
				if err == ioadapter.ErrWouldBlock {
					return
				}
				p.die()
				return
			}
			if p.rDescOff < descriptorSize {
				continue
			}

			d := decodeDescriptor(p.rDesc[:])
			if verr := p.validateDescriptor(d); verr != nil {
				logger.Warn("protocol violation, killing stream", "err", verr)
				p.die()
				return
			}
			p.rHeader = d
			if berr := p.beginBody(d); berr != nil {
				logger.Warn("protocol violation, killing stream", "err", berr)
				p.die()
				return
			}

		case readBodyIn:
			n, creds, ok, err := p.ch.ReadWithCreds(p.rBody[p.rBodyOff:])
			if ok {
				p.rCreds, p.rCredsOK = creds, true
			}
			p.rBodyOff += n
			if err != nil {
				if err == ioadapter.ErrWouldBlock {
					return
				}
				p.die()
				return
			}
			if p.rBodyOff < len(p.rBody) {
				continue
			}
			p.completeFrame()
			p.rstate = readIdle

		default:
			return
		}
	}
}

// validateDescriptor rejects anything the wire contract forbids: an
// oversized payload, an unknown seek mode, a set reserved bit, or a
// SHM-variant frame while SHM is disabled on this stream (spec §4.5, §7
// ProtocolError, §9 "reject on the receive path").
func (p *PStream) validateDescriptor(d descriptor) error {
	if d.length > DefaultMaxFramePayload {
		return ErrFrameTooLarge
	}
	if !seekModeValid(d.seekMode()) {
		return ErrInvalidSeekMode
	}
	if d.reservedBitsSet() {
		return ErrUnknownVariant
	}
	if d.variant() != shmInline && !p.useSHM.Load() {
		return ErrSHMDisabled
	}
	if (d.variant() == shmRelease || d.variant() == shmRevoke) && d.length != 0 {
		return ErrFrameTooLarge
	}
	if d.variant() == shmData && d.length != shmRefSize {
		return ErrFrameTooLarge
	}
	return nil
}

// beginBody allocates whatever buffer the body needs for d's variant and
// transitions to BodyIn, or straight back to Idle (via completeFrame) for
// a zero-length body (spec §4.5 read loop, HeaderIn -> BodyIn).
func (p *PStream) beginBody(d descriptor) error {
	switch d.variant() {
	case shmInline:
		switch {
		case d.channel == ChannelControl:
			p.rBody = make([]byte, d.length)
			p.rBlock = nil
		case d.length == 0:
			p.rBody = nil
			p.rBlock = nil
		default:
			b, err := p.pool.Allocate(int(d.length))
			if err != nil {
				b = p.pool.AllocateAppended(int(d.length))
			}
			p.rBlock = b
			p.rBody = b.Acquire()
		}

	case shmData:
		if d.length != shmRefSize {
			return ErrFrameTooLarge
		}
		p.rBody = make([]byte, shmRefSize)
		p.rBlock = nil

	case shmRelease, shmRevoke:
		p.rBody = nil
		p.rBlock = nil

	default:
		return ErrUnknownVariant
	}

	p.rBodyOff = 0
	if len(p.rBody) == 0 {
		p.completeFrame()
		p.rstate = readIdle
		return nil
	}
	p.rstate = readBodyIn
	return nil
}

// completeFrame dispatches a fully-received frame by SHM variant, firing
// exactly one user callback and resetting the per-frame credential latch
// (spec §4.5 "dispatch", §6 credentials "consumed by the next completed
// frame, whichever kind it is").
func (p *PStream) completeFrame() {
	d := p.rHeader
	creds, hasCreds := p.rCreds, p.rCredsOK
	p.rCreds, p.rCredsOK = ioadapter.Creds{}, false

	switch d.variant() {
	case shmInline:
		if d.channel == ChannelControl {
			packet := p.rBody
			p.rBody = nil
			p.cbMu.Lock()
			cb := p.onPacket
			p.cbMu.Unlock()
			if cb != nil {
				cb(packet, creds, hasCreds)
			}
			return
		}

		block := p.rBlock
		p.rBlock, p.rBody = nil, nil
		if block == nil {
			p.deliverMemblock(d, memblockq.MemChunk{})
			return
		}
		p.deliverMemblock(d, memblockq.MemChunk{Block: block, Index: 0, Length: block.Length()})

	case shmData:
		ref := decodeShmRef(p.rBody)
		p.rBody = nil
		imp := p.lazyImport()
		block, err := imp.Get(ref.blockID, ref.shmID, ref.index, ref.length)
		if err != nil {
			if p.importLimiter.Allow() {
				logger.Warn("failed to import memory block", "block_id", ref.blockID, "shm_id", ref.shmID, "err", err)
			}
			p.deliverMemblock(d, memblockq.MemChunk{})
			return
		}
		p.deliverMemblock(d, memblockq.MemChunk{Block: block, Index: 0, Length: int(ref.length)})

	case shmRelease:
		blockID := d.blockID()
		p.shmMu.Lock()
		exp := p.exp
		p.shmMu.Unlock()
		if exp != nil {
			if err := exp.ProcessRelease(blockID); err != nil {
				logger.Warn("release for unknown export slot", "block_id", blockID, "err", err)
			}
		}
		p.cbMu.Lock()
		cb := p.onRelease
		p.cbMu.Unlock()
		if cb != nil {
			cb(blockID)
		}

	case shmRevoke:
		blockID := d.blockID()
		p.shmMu.Lock()
		imp := p.imp
		p.shmMu.Unlock()
		if imp != nil {
			if err := imp.ProcessRevoke(blockID); err != nil {
				logger.Warn("revoke for unknown imported block", "block_id", blockID, "err", err)
			}
		}
		p.cbMu.Lock()
		cb := p.onRevoke
		p.cbMu.Unlock()
		if cb != nil {
			cb(blockID)
		}
	}
}

// deliverMemblock hands chunk to on_memblock, transferring its reference to
// the callback; with no callback registered the reference is dropped
// immediately so it cannot leak.
func (p *PStream) deliverMemblock(d descriptor, chunk memblockq.MemChunk) {
	p.cbMu.Lock()
	cb := p.onMemblock
	p.cbMu.Unlock()
	if cb != nil {
		cb(d.channel, d.offset(), memblockq.SeekMode(d.seekMode()), chunk)
		return
	}
	if chunk.Block != nil {
		chunk.Block.Unref()
	}
}
