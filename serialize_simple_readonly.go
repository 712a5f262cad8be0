package imgdb

import (
	"io"

	"golang.org/x/exp/mmap"
)

// LoadSimpleReadOnly opens path as a Simple-mode DbSpace for query-only use.
// Instead of Load's os.File random-access path, the whole file is mapped
// read-only once via mmap.ReaderAt and walked through an io.SectionReader,
// so the working set stays in the page cache rather than being copied
// through read(2) calls. The mapping is only needed during the parse below;
// once every signature has been scattered into buckets and the registry,
// it is dropped like Load drops its os.File.
func LoadSimpleReadOnly(path string, opts ...Option) (*DB, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, ioErr("load_simple_readonly", err)
	}
	defer r.Close()

	db, err := New(ModeSimple, opts...)
	if err != nil {
		return nil, err
	}

	sr := io.NewSectionReader(r, 0, int64(r.Len()))
	if err := db.loadFrom(sr); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
