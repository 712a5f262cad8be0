package bucket

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// View is a scoped mapping returned by MapAll. It unmaps on Close, including
// on error paths, so callers never hold a raw pointer past the mapping's
// lifetime. A zero-value View (empty bucket) is a no-op to close.
type View struct {
	data []byte
}

// Bytes returns the mapped region. Empty for a zero-value View.
func (v *View) Bytes() []byte { return v.data }

// Close unmaps the region. Failure is logged, not returned as fatal: a
// stuck munmap shouldn't fail the read or write it was serving.
func (v *View) Close() {
	if v.data == nil {
		return
	}
	if err := unix.Munmap(v.data); err != nil {
		klog.Warningf("bucket: munmap failed: %v", err)
	}
	v.data = nil
}

// mapExtents composes a contiguous view across possibly-discontiguous file
// extents: an anonymous region of the total size is mapped first, then each
// extent is mapped over it with MAP_FIXED|MAP_SHARED. Failure of any extent
// unmaps the whole region and reports a memory error.
//
// golang.org/x/exp/mmap's ReaderAt has no MAP_FIXED composition primitive
// (it always picks its own address), so writable multi-extent composition
// goes directly to golang.org/x/sys/unix instead.
func (s *Store) mapExtents(extents []extent, writable bool) (*View, error) {
	var total int64
	for _, e := range extents {
		total += e.length
	}
	if total == 0 {
		return &View{}, nil
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	anon, err := unix.Mmap(-1, 0, int(total), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, memErr("bucket: reserve anonymous region", err)
	}

	base := uintptr(unsafe.Pointer(&anon[0]))
	var cursor int64
	for _, e := range extents {
		addr := base + uintptr(cursor)
		if err := mmapFixed(addr, e, prot, s.file.Fd()); err != nil {
			_ = unix.Munmap(anon)
			return nil, memErr(fmt.Sprintf("bucket: map extent at offset %d", e.offset), err)
		}
		cursor += e.length
	}

	return &View{data: anon}, nil
}

// mmapFixed maps length bytes of fd at file offset off onto the fixed
// address addr, composing one extent into an already-reserved anonymous
// region. golang.org/x/sys/unix.Mmap always picks its own address, so the
// raw mmap(2) syscall is invoked directly for the MAP_FIXED case.
func mmapFixed(addr uintptr, e extent, prot int, fd uintptr) error {
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(e.length),
		uintptr(prot),
		uintptr(unix.MAP_FIXED|unix.MAP_SHARED),
		fd,
		uintptr(e.offset),
	)
	if errno != 0 {
		return errno
	}
	if ret != addr {
		return fmt.Errorf("mmap returned unexpected address")
	}
	return nil
}

func memErr(op string, err error) error {
	return fmt.Errorf("%s: memory_error: %w", op, err)
}
