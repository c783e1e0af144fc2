package pstream

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"bken/pulsed/ioadapter"
	"bken/pulsed/memblockq"
	"bken/pulsed/mempool"
)

// pair wires two PStreams together over a net.Pipe, each driven by its own
// Loop goroutine, the way two independent processes would be.
type pair struct {
	poolA, poolB *mempool.MemPool
	a, b         *PStream
	connA, connB net.Conn
	stop         chan struct{}
}

func newPair(t *testing.T, sharedA bool) *pair {
	t.Helper()

	poolA, err := mempool.New(sharedA, 8, 4096)
	if err != nil {
		t.Fatalf("New poolA: %v", err)
	}
	poolB, err := mempool.New(false, 8, 4096)
	if err != nil {
		t.Fatalf("New poolB: %v", err)
	}

	connA, connB := net.Pipe()

	loopA := ioadapter.NewLoop()
	loopB := ioadapter.NewLoop()

	a := New(loopA, ioadapter.New(connA), poolA)
	b := New(loopB, ioadapter.New(connB), poolB)

	stop := make(chan struct{})
	go loopA.Run(stop)
	go loopB.Run(stop)

	return &pair{poolA: poolA, poolB: poolB, a: a, b: b, connA: connA, connB: connB, stop: stop}
}

// close tears the pair down from outside either loop goroutine: closing
// the raw connections makes each PStream observe a hang-up and die() on
// its own loop goroutine, respecting the single-threaded ownership Unlink
// itself requires.
func (p *pair) close() {
	p.connA.Close()
	p.connB.Close()
	close(p.stop)
	p.poolA.Close()
	p.poolB.Close()
}

func TestPStreamInlinePacketEcho(t *testing.T) {
	p := newPair(t, false)
	defer p.close()

	var got []byte
	done := make(chan struct{})
	p.b.SetOnPacket(func(packet []byte, creds ioadapter.Creds, hasCreds bool) {
		got = append([]byte(nil), packet...)
		close(done)
	})

	if err := p.a.SendPacket([]byte("hello pstream"), nil); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	if string(got) != "hello pstream" {
		t.Fatalf("received packet = %q, want %q", got, "hello pstream")
	}
}

func TestPStreamSHMHandoff(t *testing.T) {
	p := newPair(t, true)
	defer p.close()

	p.a.EnableSHM(true)
	p.b.EnableSHM(true)

	src, err := p.poolA.Allocate(128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(src.Acquire(), []byte("shared payload"))

	type delivery struct {
		channel uint32
		offset  uint64
		seek    memblockq.SeekMode
		chunk   memblockq.MemChunk
	}
	deliveries := make(chan delivery, 1)
	p.b.SetOnMemblock(func(channel uint32, offset uint64, seek memblockq.SeekMode, chunk memblockq.MemChunk) {
		deliveries <- delivery{channel, offset, seek, chunk}
	})

	if err := p.a.SendMemblock(3, 1024, memblockq.SeekAbsolute, memblockq.MemChunk{Block: src, Index: 0, Length: 128}); err != nil {
		t.Fatalf("SendMemblock: %v", err)
	}

	var got delivery
	select {
	case got = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for memblock")
	}
	defer got.chunk.Block.Unref()

	if got.channel != 3 || got.offset != 1024 || got.seek != memblockq.SeekAbsolute {
		t.Fatalf("delivery header = %+v, want channel=3 offset=1024 seek=absolute", got)
	}
	if got.chunk.Block.Kind() != mempool.KindImported {
		t.Fatalf("delivered block kind = %v, want Imported", got.chunk.Block.Kind())
	}
	data := got.chunk.Block.Acquire()[got.chunk.Index : got.chunk.Index+got.chunk.Length]
	if string(data[:14]) != "shared payload" {
		t.Fatalf("delivered data = %q, want %q", data[:14], "shared payload")
	}

	src.Unref()
}

func TestPStreamReleasePropagatesOnUnref(t *testing.T) {
	p := newPair(t, true)
	defer p.close()

	p.a.EnableSHM(true)
	p.b.EnableSHM(true)

	src, err := p.poolA.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	deliveries := make(chan memblockq.MemChunk, 1)
	p.b.SetOnMemblock(func(channel uint32, offset uint64, seek memblockq.SeekMode, chunk memblockq.MemChunk) {
		deliveries <- chunk
	})

	released := make(chan uint32, 1)
	p.a.SetOnRelease(func(blockID uint32) { released <- blockID })

	if err := p.a.SendMemblock(0, 0, memblockq.SeekRelative, memblockq.MemChunk{Block: src, Index: 0, Length: 32}); err != nil {
		t.Fatalf("SendMemblock: %v", err)
	}

	var chunk memblockq.MemChunk
	select {
	case chunk = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for memblock")
	}

	chunk.Block.Unref()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for release notification")
	}

	src.Unref()
}

// TestPStreamRevokePropagates drives a MemExport's revoke callback
// directly (white-box, same package as PStream) to confirm it reaches the
// peer as a SHMREVOKE frame and fires on_revoke there (spec §4.3
// revoke(), §5 "release/revoke callbacks post to the owning PStream's send
// queue").
func TestPStreamRevokePropagates(t *testing.T) {
	p := newPair(t, true)
	defer p.close()

	p.a.EnableSHM(true)
	p.b.EnableSHM(true)

	src, err := p.poolA.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	exp, err := p.a.lazyExport()
	if err != nil {
		t.Fatalf("lazyExport: %v", err)
	}
	blockID, _, _, _, err := exp.Put(src)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	revoked := make(chan uint32, 1)
	p.b.SetOnRevoke(func(id uint32) { revoked <- id })

	if err := exp.Revoke(blockID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	select {
	case got := <-revoked:
		if got != blockID {
			t.Fatalf("revoked block id = %d, want %d", got, blockID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revoke notification")
	}

	src.Unref()
}

func TestPStreamOversizeFrameDies(t *testing.T) {
	poolB, err := mempool.New(false, 4, 4096)
	if err != nil {
		t.Fatalf("New poolB: %v", err)
	}
	defer poolB.Close()

	connA, connB := net.Pipe()
	defer connA.Close()

	loopB := ioadapter.NewLoop()
	b := New(loopB, ioadapter.New(connB), poolB)

	stop := make(chan struct{})
	defer close(stop)
	go loopB.Run(stop)

	died := make(chan struct{})
	b.SetOnDie(func() { close(died) })

	var header [descriptorSize]byte
	binary.BigEndian.PutUint32(header[0:4], DefaultMaxFramePayload+1)
	binary.BigEndian.PutUint32(header[4:8], ChannelControl)
	binary.BigEndian.PutUint32(header[16:20], makeFlags(shmInline, 0))

	go func() { _, _ = connA.Write(header[:]) }()

	select {
	case <-died:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for oversize frame to kill the stream")
	}
}
