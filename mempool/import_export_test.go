package mempool

import "testing"

func TestImportExportRoundTrip(t *testing.T) {
	poolA, err := New(true, 4, 4096)
	if err != nil {
		t.Fatalf("New poolA: %v", err)
	}
	defer poolA.Close()

	src, err := poolA.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(src.Acquire(), []byte("round trip payload"))

	var revoked []uint32
	exportA, err := poolA.NewExport(func(id uint32) { revoked = append(revoked, id) })
	if err != nil {
		t.Fatalf("NewExport: %v", err)
	}

	blockID, shmID, offset, length, err := exportA.Put(src)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	poolB, err := New(false, 4, 4096)
	if err != nil {
		t.Fatalf("New poolB: %v", err)
	}
	defer poolB.Close()

	var released []uint32
	importB := poolB.NewImport(func(peerBlockID uint32) { released = append(released, peerBlockID) })

	imported, err := importB.Get(blockID, shmID, offset, length)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(imported.Acquire()[:18]) != "round trip payload" {
		t.Fatalf("imported data mismatch: %q", imported.Acquire()[:18])
	}
	if !imported.ReadOnly() {
		t.Fatal("imported block should be read-only")
	}

	again, err := importB.Get(blockID, shmID, offset, length)
	if err != nil {
		t.Fatalf("Get (repeat): %v", err)
	}
	if again != imported {
		t.Fatal("repeated Get for the same block id should return the same handle")
	}
	again.Unref()

	imported.Unref()
	if len(released) != 1 || released[0] != blockID {
		t.Fatalf("releaseCB = %v, want [%d]", released, blockID)
	}

	if err := exportA.ProcessRelease(blockID); err != nil {
		t.Fatalf("ProcessRelease: %v", err)
	}
	if src.RefCount() != 1 {
		t.Fatalf("source refcount after full round trip = %d, want 1", src.RefCount())
	}
	src.Unref()
}

func TestImportProcessRevokeLocalizesBlock(t *testing.T) {
	poolA, err := New(true, 4, 4096)
	if err != nil {
		t.Fatalf("New poolA: %v", err)
	}
	defer poolA.Close()

	src, err := poolA.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(src.Acquire(), []byte("revoke me"))

	exportA, err := poolA.NewExport(nil)
	if err != nil {
		t.Fatalf("NewExport: %v", err)
	}
	blockID, shmID, offset, length, err := exportA.Put(src)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	poolB, err := New(false, 4, 4096)
	if err != nil {
		t.Fatalf("New poolB: %v", err)
	}
	defer poolB.Close()

	importB := poolB.NewImport(nil)
	imported, err := importB.Get(blockID, shmID, offset, length)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := importB.ProcessRevoke(blockID); err != nil {
		t.Fatalf("ProcessRevoke: %v", err)
	}
	if imported.Kind() == KindImported {
		t.Fatal("revoked block should no longer report KindImported")
	}
	if string(imported.Acquire()[:9]) != "revoke me" {
		t.Fatalf("localized data mismatch: %q", imported.Acquire()[:9])
	}
	imported.Unref()
	exportA.ProcessRelease(blockID)
	src.Unref()
}

func TestImportCloseRevokesReExports(t *testing.T) {
	poolA, err := New(true, 4, 4096)
	if err != nil {
		t.Fatalf("New poolA: %v", err)
	}
	defer poolA.Close()

	src, err := poolA.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	exportA, err := poolA.NewExport(nil)
	if err != nil {
		t.Fatalf("NewExport: %v", err)
	}
	blockID, shmID, offset, length, err := exportA.Put(src)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	poolM, err := New(true, 4, 4096)
	if err != nil {
		t.Fatalf("New poolM: %v", err)
	}
	defer poolM.Close()

	importM := poolM.NewImport(nil)
	relayed, err := importM.Get(blockID, shmID, offset, length)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var revokedOnC []uint32
	exportC, err := poolM.NewExport(func(id uint32) { revokedOnC = append(revokedOnC, id) })
	if err != nil {
		t.Fatalf("NewExport on poolM: %v", err)
	}
	relayID, _, _, _, err := exportC.Put(relayed)
	if err != nil {
		t.Fatalf("Put (relay): %v", err)
	}

	if err := importM.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(revokedOnC) != 1 || revokedOnC[0] != relayID {
		t.Fatalf("revokedOnC = %v, want [%d]", revokedOnC, relayID)
	}

	exportA.ProcessRelease(blockID)
	src.Unref()
}

func TestExportAndImportBlockLimits(t *testing.T) {
	poolA, err := New(true, MaxImportBlocks+8, 256)
	if err != nil {
		t.Fatalf("New poolA: %v", err)
	}
	defer poolA.Close()

	exportA, err := poolA.NewExport(nil)
	if err != nil {
		t.Fatalf("NewExport: %v", err)
	}

	poolB, err := New(false, 4, 256)
	if err != nil {
		t.Fatalf("New poolB: %v", err)
	}
	defer poolB.Close()
	importB := poolB.NewImport(nil)

	for i := 0; i < MaxImportBlocks; i++ {
		b, err := poolA.Allocate(8)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		blockID, shmID, offset, length, err := exportA.Put(b)
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		if _, err := importB.Get(blockID, shmID, offset, length); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}

	overflow, err := poolA.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate overflow: %v", err)
	}
	if _, _, _, _, err := exportA.Put(overflow); err != ErrExportFull {
		t.Fatalf("Put past export limit: got %v, want ErrExportFull", err)
	}
	shmID, _ := poolA.ShmID()
	if _, err := importB.Get(uint32(MaxImportBlocks), shmID, 0, 8); err != ErrTooManyBlocks {
		t.Fatalf("Get past limit: got %v, want ErrTooManyBlocks", err)
	}
}
