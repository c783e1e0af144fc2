//go:build linux

package shmseg

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is where named segments live, mirroring glibc's shm_open backing
// store. Each segment file is created with mode 0700, matching spec §6
// ("owner-only permissions").
const shmDir = "/dev/shm"

func segPath(id uint32) string {
	return filepath.Join(shmDir, fmt.Sprintf("pulsed-%08x", id))
}

// CreateRW allocates a new named shared-memory segment of exactly size
// bytes, owned read-write by the caller. The returned id is suitable for
// export to a peer (spec §4.1 "shm_id() → Option<u32>").
func CreateRW(id uint32, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmseg: invalid size %d", size)
	}
	path := segPath(id)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0700)
	if err != nil {
		return nil, fmt.Errorf("shmseg: create %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		unix.Unlink(path)
		return nil, fmt.Errorf("shmseg: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		unix.Unlink(path)
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}
	seg := &Segment{ID: id, Data: data, readOnly: false}
	seg.closer = func() error {
		err := unix.Munmap(data)
		f.Close()
		unix.Unlink(path)
		return err
	}
	return seg, nil
}

// AttachRO maps an existing segment (created by a peer via CreateRW)
// read-only, by id. Spec §3 MemImportSegment.
func AttachRO(id uint32, size int) (*Segment, error) {
	path := segPath(id)
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shmseg: attach %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	if size <= 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("shmseg: stat %s: %w", path, err)
		}
		size = int(st.Size())
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}
	seg := &Segment{ID: id, Data: data, readOnly: true}
	seg.closer = func() error {
		return unix.Munmap(data)
	}
	return seg, nil
}

// Punch advises the kernel to discard the backing pages for [offset,
// offset+length) without unmapping — spec §4.1 MemPool.vacuum(): "for each
// free slot, advise the kernel to discard its backing pages ... slot is
// still reusable afterwards".
func (s *Segment) Punch(offset, length int) error {
	if offset < 0 || length <= 0 || offset+length > len(s.Data) {
		return fmt.Errorf("shmseg: punch out of range [%d,%d) of %d", offset, offset+length, len(s.Data))
	}
	return unix.Madvise(s.Data[offset:offset+length], unix.MADV_DONTNEED)
}
