package pstream

import (
	"time"

	"bken/pulsed/ioadapter"
)

func retryDeadline() time.Time {
	return time.Now().Add(writeRetryInterval)
}

// pumpWrite drives the write state machine as far as it can go without
// blocking: begin the next queued item if idle, push the header then the
// body, and fire on_drain the moment both the state machine and the queue
// go empty together (spec §4.5 write loop, §5 "on_drain").
func (p *PStream) pumpWrite() {
	for {
		if p.wstate == writeIdle {
			if !p.beginNextItem() {
				return
			}
		}

		switch p.wstate {
		case writeHeaderOut:
			n, err := p.writeChunk(p.wDesc[p.wDescOff:descriptorSize])
			p.wDescOff += n
			if err != nil {
				if err == ioadapter.ErrWouldBlock {
					p.armRetry()
					return
				}
				p.die()
				return
			}
			if p.wDescOff < descriptorSize {
				p.armRetry()
				return
			}
			if len(p.wBody) == 0 {
				p.finishItem()
				continue
			}
			p.wstate = writeBodyOut

		case writeBodyOut:
			n, err := p.writeChunk(p.wBody[p.wBodyOff:])
			p.wBodyOff += n
			if err != nil {
				if err == ioadapter.ErrWouldBlock {
					p.armRetry()
					return
				}
				p.die()
				return
			}
			if p.wBodyOff < len(p.wBody) {
				p.armRetry()
				return
			}
			p.finishItem()
		}
	}
}

// writeChunk performs one write syscall for the item currently in flight,
// using the credential-carrying primitive for exactly the first call that
// transmits any bytes of the item (spec §6: "credentials, when present,
// ride on the first byte of a send item").
func (p *PStream) writeChunk(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if p.wCreds != nil && !p.wCredsSent {
		n, err := p.ch.WriteWithCreds(buf, *p.wCreds)
		if n > 0 {
			p.wCredsSent = true
		}
		return n, err
	}
	return p.ch.Write(buf)
}

// armRetry schedules another pump attempt shortly after a write returned
// WouldBlock; there is no portable writable-notification at this
// abstraction level (spec §4.6, see writeRetryInterval).
func (p *PStream) armRetry() {
	p.retryTimer.Restart(retryDeadline())
}

// beginNextItem dequeues the next send item, if any, and sets up the write
// state machine's header/body buffers for it (spec §4.5 write loop, Idle ->
// HeaderOut).
func (p *PStream) beginNextItem() bool {
	p.mu.Lock()
	it, ok := p.queue.pop()
	p.mu.Unlock()
	if !ok {
		return false
	}

	var d descriptor
	var body []byte
	var cleanup func()

	switch it.kind {
	case itemPacket:
		d = descriptor{length: uint32(len(it.packet)), channel: ChannelControl, flags: makeFlags(shmInline, 0)}
		body = it.packet

	case itemShmRelease:
		d = descriptor{channel: ChannelControl, offsetHi: it.blockID, flags: makeFlags(shmRelease, 0)}

	case itemShmRevoke:
		d = descriptor{channel: ChannelControl, offsetHi: it.blockID, flags: makeFlags(shmRevoke, 0)}

	case itemMemblock:
		d, body, cleanup = p.prepareMemblockWrite(it)
	}

	p.wDesc = d.encode()
	p.wDescOff = 0
	p.wBody = body
	p.wBodyOff = 0
	p.wCreds = it.creds
	p.wCredsSent = false
	p.wCleanup = cleanup
	p.wstate = writeHeaderOut
	return true
}

// prepareMemblockWrite picks the wire form for one memblock send item: a
// zero-copy SHM reference when SHM is enabled and the export succeeds, or
// an inline copy of the bytes otherwise (spec §4.5 "downgrade silently to
// an inline send" on export failure, §7).
func (p *PStream) prepareMemblockWrite(it sendItem) (descriptor, []byte, func()) {
	hi, lo := uint32(it.offset>>32), uint32(it.offset)

	if p.useSHM.Load() {
		if exp, err := p.lazyExport(); err == nil {
			if blockID, shmID, index, _, putErr := exp.Put(it.chunk.Block); putErr == nil {
				ref := shmRef{blockID: blockID, shmID: shmID, index: index + uint32(it.chunk.Index), length: uint32(it.chunk.Length)}.encode()
				it.chunk.Block.Unref()
				d := descriptor{length: shmRefSize, channel: it.channel, offsetHi: hi, offsetLo: lo, flags: makeFlags(shmData, byte(it.seek))}
				return d, ref[:], nil
			}
		}
	}

	data := it.chunk.Block.Acquire()[it.chunk.Index : it.chunk.Index+it.chunk.Length]
	d := descriptor{length: uint32(len(data)), channel: it.channel, offsetHi: hi, offsetLo: lo, flags: makeFlags(shmInline, byte(it.seek))}
	block := it.chunk.Block
	return d, data, func() { block.Unref() }
}

// finishItem completes the item currently in flight, releasing whatever it
// held, and fires on_drain once both the write state machine and the send
// queue are empty (spec §5 "on_drain").
func (p *PStream) finishItem() {
	if p.wCleanup != nil {
		p.wCleanup()
	}
	p.wCleanup = nil
	p.wBody = nil
	p.wCreds = nil
	p.wstate = writeIdle

	p.mu.Lock()
	empty := p.queue.empty()
	p.mu.Unlock()
	if !empty {
		return
	}

	p.cbMu.Lock()
	onDrain := p.onDrain
	p.cbMu.Unlock()
	if onDrain != nil {
		onDrain()
	}
}
