package shmseg

import "testing"

func TestCreateAttachRoundTrip(t *testing.T) {
	seg, err := CreateRW(0xdead0001, 4096)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	defer seg.Close()

	copy(seg.Data, []byte("hello shm"))

	ro, err := AttachRO(seg.ID, 4096)
	if err != nil {
		t.Fatalf("AttachRO: %v", err)
	}
	defer ro.Close()

	if !ro.ReadOnly() {
		t.Fatal("expected attached segment to report read-only")
	}
	if string(ro.Data[:9]) != "hello shm" {
		t.Fatalf("got %q", ro.Data[:9])
	}
}

func TestCreateDuplicateIDFails(t *testing.T) {
	seg, err := CreateRW(0xdead0002, 4096)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	defer seg.Close()

	if _, err := CreateRW(0xdead0002, 4096); err == nil {
		t.Fatal("expected error creating duplicate segment id")
	}
}

func TestPunchThenReuse(t *testing.T) {
	seg, err := CreateRW(0xdead0003, 4096)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	defer seg.Close()

	copy(seg.Data, []byte("data"))
	if err := seg.Punch(0, 4096); err != nil {
		t.Fatalf("Punch: %v", err)
	}
	// Slot must remain writable/reusable after punch.
	copy(seg.Data, []byte("more"))
	if string(seg.Data[:4]) != "more" {
		t.Fatalf("slot not reusable after punch: %q", seg.Data[:4])
	}
}
