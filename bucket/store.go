package bucket

import (
	"fmt"
	"os"
)

// Store owns every bucket plus the single shared temporary file their
// bases are paged into. One Store exists per DbSpace.
//
// Each bucket splits its pending, in-memory writes (the tail) from its
// flushed, file-addressed contents (the base), so the base can stay
// memory-mapped while new entries keep appending cheaply.
type Store struct {
	buckets  []Bucket
	file     *os.File
	fileName string
	fileEnd  int64
	refWidth int // 4 for 32-bit internal indices, 8 for 64-bit image ids
}

// New creates a Store with n buckets addressing refs of the given width (4
// or 8 bytes), backed by a newly created, immediately unlinked temp file.
func New(n int, refWidth int) (*Store, error) {
	if refWidth != 4 && refWidth != 8 {
		return nil, fmt.Errorf("bucket: invalid ref width %d", refWidth)
	}
	f, err := os.CreateTemp("", "imgdb-buckets-*")
	if err != nil {
		return nil, fmt.Errorf("bucket: create shared temp file: %w", err)
	}
	name := f.Name()
	if err := os.Remove(name); err != nil {
		f.Close()
		return nil, fmt.Errorf("bucket: unlink shared temp file: %w", err)
	}
	return &Store{
		buckets:  make([]Bucket, n),
		file:     f,
		fileName: name,
		refWidth: refWidth,
	}, nil
}

// RefWidth reports the width, in bytes, of an ImageRef in this store.
func (s *Store) RefWidth() int { return s.refWidth }

// Close releases the shared backing file. Safe to call once.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Add appends ref to bucket i's tail.
func (s *Store) Add(i int, ref uint64) {
	s.buckets[i].Add(ref)
}

// Size returns bucket i's live element count.
func (s *Store) Size(i int) int {
	return s.buckets[i].Size(s.refWidth)
}

// Empty reports whether bucket i holds no refs.
func (s *Store) Empty(i int) bool {
	return s.buckets[i].Empty()
}

// IterTail returns bucket i's unmapped tail.
func (s *Store) IterTail(i int) []uint64 {
	return s.buckets[i].IterTail()
}

// Clear drops every bucket's entries (the shared file itself is left
// allocated; file offsets are never reused, later page-outs append at the
// file's end).
func (s *Store) Clear() {
	for i := range s.buckets {
		s.buckets[i].Clear()
	}
}

// Reserve pre-grows bucket i's base capacity hint, consulted by the next
// PageOut so load/rehash avoid repeated small page_out calls.
func (s *Store) Reserve(i, n int) {
	s.buckets[i].Reserve(n)
}

// Remove removes one occurrence of ref from bucket i: tail swap-pop first,
// else a writable MapAll scan-and-swap. Only meaningful in normal mode;
// callers in other modes must not call this.
func (s *Store) Remove(i int, ref uint64) (bool, error) {
	b := &s.buckets[i]
	if b.removeFromTail(ref) {
		return true, nil
	}
	if b.baseLen == 0 {
		return false, nil
	}
	view, err := s.mapExtents(b.extents, true)
	if err != nil {
		return false, err
	}
	defer view.Close()
	return b.removeFromBase(view.Bytes(), ref, s.refWidth)
}

// SetBase moves every bucket's tail into its base so subsequent reads are
// purely memory-mapped. Called after load and after rehash. A reference implementation
// that pads a reserved base to a known final size would copy-shrink a tail
// left less than 16/17 full rather than padding it; in this from-scratch
// Store there is no existing base to compare against yet, so every pending
// tail is simply paged out.
func (s *Store) SetBase() error {
	for i := range s.buckets {
		if err := s.pageOut(i); err != nil {
			return fmt.Errorf("bucket: set_base bucket %d: %w", i, err)
		}
	}
	return nil
}

// pageOut allocates additional pages at the shared file's current end and
// copies the bucket's tail into them: grow the file by the tail's size (or
// the Reserve hint, if larger) rounded up to whole OS pages, so every extent
// starts page-aligned and can be mapped, then write the tail there with a
// positioned write.
func (s *Store) pageOut(i int) error {
	b := &s.buckets[i]
	if len(b.tail) == 0 {
		return nil
	}
	n := len(b.tail)
	want := int64(n * s.refWidth)
	if hint := int64(b.reserveHint * s.refWidth); hint > want {
		want = hint
	}
	if rem := want % int64(os.Getpagesize()); rem != 0 {
		want += int64(os.Getpagesize()) - rem
	}

	off := s.fileEnd
	if err := s.file.Truncate(off + want); err != nil {
		return fmt.Errorf("bucket: ftruncate shared file: %w", err)
	}
	s.fileEnd = off + want

	buf := make([]byte, n*s.refWidth)
	for idx, ref := range b.tail {
		writeRef(buf[idx*s.refWidth:], s.refWidth, ref)
	}
	if _, err := s.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("bucket: write page: %w", err)
	}

	b.extents = append(b.extents, extent{offset: off, length: int64(n * s.refWidth)})
	b.baseLen += int64(n * s.refWidth)
	b.tail = b.tail[:0]
	b.reserveHint = 0
	return nil
}

// MapAll returns a scoped view covering bucket i's entire base as one
// contiguous region (the tail is not included). The returned View must be
// closed; closing unmaps.
func (s *Store) MapAll(i int, writable bool) (*View, error) {
	b := &s.buckets[i]
	if b.baseLen == 0 {
		return &View{}, nil
	}
	return s.mapExtents(b.extents, writable)
}
