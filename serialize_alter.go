package imgdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pixsim/imgdb/continuity"
	"k8s.io/klog/v2"
)

// dbFile is the database file alter mode keeps open for its lifetime; normal
// and simple mode only ever hold the file open long enough to read or write.
type dbFile struct {
	file           *os.File
	firstSigOffset int64
	sigAreaEnd     int64 // append cursor for new signature records
}

func (f *dbFile) close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// CreateAlter creates a new, empty alter-mode database backed by path,
// keeping the file open for the DbSpace's lifetime.
func CreateAlter(path string, opts ...Option) (*DB, error) {
	db, err := New(ModeAlter, opts...)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		db.Close()
		return nil, ioErr("create_alter", err)
	}
	firstSigOffset := alterHeaderSize(0)
	if err := f.Truncate(firstSigOffset); err != nil {
		f.Close()
		db.Close()
		return nil, ioErr("create_alter", err)
	}
	db.dbPath = path
	db.dbFile = &dbFile{file: f, firstSigOffset: firstSigOffset, sigAreaEnd: firstSigOffset}
	if err := db.writeAlterHeader(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenAlter opens an existing database file for in-place mutation.
func OpenAlter(path string, opts ...Option) (*DB, error) {
	db, err := New(ModeAlter, opts...)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		db.Close()
		return nil, ioErr("open_alter", err)
	}
	db.dbPath = path
	db.dbFile = &dbFile{file: f}
	if err := db.loadAlterFrom(f); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// alterHeaderSize is the normal-mode layout's firstSigOffset formula, given
// numImages already on the id table.
func alterHeaderSize(numImages int) int64 {
	bucketsBytes := int64(NumBuckets) * 4
	return int64(4+8+8) + bucketsBytes + int64(numImages)*8 + int64(idTablePadding)*8
}

func (db *DB) writeAlterHeader() error {
	f := db.dbFile.file
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ioErr("save", err)
	}
	numImages := uint64(len(db.registry))
	if err := binary.Write(f, binary.LittleEndian, versionCode); err != nil {
		return ioErr("save", err)
	}
	if err := binary.Write(f, binary.LittleEndian, numImages); err != nil {
		return ioErr("save", err)
	}
	if err := binary.Write(f, binary.LittleEndian, db.dbFile.firstSigOffset); err != nil {
		return ioErr("save", err)
	}
	for c := 0; c < NumChannels; c++ {
		for sign := 0; sign < NumSigns; sign++ {
			for mag := 1; mag <= NumPixels*NumPixels-1; mag++ {
				b := canonicalBucket(c, sign, mag)
				if err := binary.Write(f, binary.LittleEndian, uint32(db.buckets.Size(b))); err != nil {
					return ioErr("save", err)
				}
			}
		}
	}
	if db.rewriteIDs {
		for _, id := range db.ids {
			if err := binary.Write(f, binary.LittleEndian, id); err != nil {
				return ioErr("save", err)
			}
		}
		pad := idTablePadding - (len(db.ids) % idTablePadding)
		if pad == idTablePadding {
			pad = 0
		}
		var zero uint64
		for i := 0; i < pad; i++ {
			if err := binary.Write(f, binary.LittleEndian, zero); err != nil {
				return ioErr("save", err)
			}
		}
	}
	return nil
}

// appendAlterSignature writes sig at the current append cursor and returns
// its file offset, growing the header's reserved slot budget via
// resizeHeader first if needed.
func (db *DB) appendAlterSignature(sig *Signature) (int64, error) {
	if len(db.ids) > 0 && len(db.ids)%idTablePadding == 0 {
		if err := db.resizeHeader(); err != nil {
			return 0, err
		}
	}
	off := db.dbFile.sigAreaEnd
	var tmp [signatureRecordSize]byte
	bb := sliceWriter{buf: tmp[:0]}
	if err := encodeSignatureTo(&bb, sig); err != nil {
		return 0, ioErr("add", err)
	}
	if _, err := db.dbFile.file.WriteAt(bb.buf, off); err != nil {
		return 0, ioErr("add", err)
	}
	db.dbFile.sigAreaEnd += signatureRecordSize
	return off, nil
}

// resizeHeader relocates the first ceil(1024*8 / sizeof(Signature))
// signatures to the end of the file when the ID table would otherwise
// collide with the signature area.
func (db *DB) resizeHeader() error {
	numrel := (idTablePadding*8 + signatureRecordSize - 1) / signatureRecordSize
	if numrel > len(db.registry) {
		numrel = len(db.registry)
	}
	if numrel == 0 {
		db.rewriteIDs = true
		return nil
	}

	buf := make([]byte, signatureRecordSize)
	newOffsets := make([]int64, numrel)
	for i := 0; i < numrel; i++ {
		srcOff := db.dbFile.firstSigOffset + int64(i)*signatureRecordSize
		if _, err := db.dbFile.file.ReadAt(buf, srcOff); err != nil {
			return ioErr("resize_header", err)
		}
		dstOff := db.dbFile.sigAreaEnd
		if _, err := db.dbFile.file.WriteAt(buf, dstOff); err != nil {
			return ioErr("resize_header", err)
		}
		newOffsets[i] = dstOff
		db.dbFile.sigAreaEnd += signatureRecordSize
	}

	for idx := range db.registry {
		if idx < numrel {
			db.registry[idx].cacheOfs = newOffsets[idx]
		} else {
			db.registry[idx].cacheOfs -= int64(numrel) * signatureRecordSize
		}
	}

	db.rewriteIDs = true
	klog.V(2).Infof("imgdb: resize_header relocated %d signatures", numrel)
	return nil
}

// saveAlter flushes buckets, relocates any holes left by Remove, and
// rewrites the header/bucket-size table/id table in place.
func (db *DB) saveAlter() error {
	return continuity.New().
		Thenf("move deleted", db.moveDeleted).
		Thenf("rehash", db.rehashFromCache).
		Thenf("write header", db.writeAlterHeader).
		Thenf("sync", db.dbFile.file.Sync).
		Err()
}

// moveDeleted relocates trailing signatures into holes left by Remove,
// consuming entries from the deleted-list, then compacts the registry and
// id table to remove the holes entirely.
func (db *DB) moveDeleted() error {
	if len(db.deleted) == 0 {
		return nil
	}

	holes := append([]int32(nil), db.deleted...)
	last := int32(len(db.registry)) - 1
	isHole := make(map[int32]bool, len(holes))
	for _, h := range holes {
		isHole[h] = true
	}

	for _, hole := range holes {
		for isHole[last] && last > hole {
			last--
		}
		if last <= hole {
			continue
		}
		moved := db.registry[last]
		buf := make([]byte, signatureRecordSize)
		if _, err := db.dbFile.file.ReadAt(buf, moved.cacheOfs); err != nil {
			return ioErr("move_deleted", err)
		}
		sig, err := decodeSignature(buf)
		if err != nil {
			return dataErr("move_deleted", err)
		}
		sig.ID = moved.ID
		holeOfs := db.registry[hole].cacheOfs
		if err := db.writeAlterSigAt(holeOfs, &sig); err != nil {
			return err
		}
		movedEntry := moved
		movedEntry.Index = hole
		movedEntry.cacheOfs = holeOfs
		db.registry[hole] = movedEntry
		db.byID[moved.ID] = hole
		if int(hole) < len(db.ids) {
			db.ids[hole] = moved.ID
		}
		isHole[last] = true
		last--
	}

	newLen := int32(len(db.registry)) - int32(len(holes))
	db.registry = db.registry[:newLen]
	if int32(len(db.ids)) > newLen {
		db.ids = db.ids[:newLen]
	}
	db.nextIndex = newLen
	db.dbFile.sigAreaEnd = db.dbFile.firstSigOffset + int64(newLen)*signatureRecordSize
	db.deleted = nil
	db.rewriteIDs = true
	return nil
}

func (db *DB) writeAlterSigAt(off int64, sig *Signature) error {
	var tmp [signatureRecordSize]byte
	bb := sliceWriter{buf: tmp[:0]}
	if err := encodeSignatureTo(&bb, sig); err != nil {
		return ioErr("move_deleted", err)
	}
	if _, err := db.dbFile.file.WriteAt(bb.buf, off); err != nil {
		return ioErr("move_deleted", err)
	}
	return nil
}

func (db *DB) loadAlterFrom(f *os.File) error {
	var vcode uint32
	if err := binary.Read(f, binary.LittleEndian, &vcode); err != nil {
		return ioErr("open_alter", err)
	}
	if vcode != versionCode {
		return dataErr("open_alter", fmt.Errorf("unsupported version_code 0x%x", vcode))
	}
	var numImages uint64
	if err := binary.Read(f, binary.LittleEndian, &numImages); err != nil {
		return ioErr("open_alter", err)
	}
	var firstSigOffset int64
	if err := binary.Read(f, binary.LittleEndian, &firstSigOffset); err != nil {
		return ioErr("open_alter", err)
	}
	db.dbFile.firstSigOffset = firstSigOffset
	db.dbFile.sigAreaEnd = firstSigOffset + int64(numImages)*signatureRecordSize

	sizes := make([]uint32, NumBuckets)
	for i := range sizes {
		if err := binary.Read(f, binary.LittleEndian, &sizes[i]); err != nil {
			return ioErr("open_alter", err)
		}
		db.buckets.Reserve(i, int(sizes[i]))
	}

	db.ids = make([]uint64, numImages)
	for i := range db.ids {
		if err := binary.Read(f, binary.LittleEndian, &db.ids[i]); err != nil {
			return ioErr("open_alter", err)
		}
	}

	buf := make([]byte, signatureRecordSize)
	for i := uint64(0); i < numImages; i++ {
		off := firstSigOffset + int64(i)*signatureRecordSize
		if _, err := f.ReadAt(buf, off); err != nil {
			return ioErr("open_alter", err)
		}
		sig, err := decodeSignature(buf)
		if err != nil {
			return dataErr("open_alter", err)
		}
		if sig.ID != db.ids[i] {
			klog.Warningf("imgdb: alter load id mismatch at %d: table %d, record %d", i, db.ids[i], sig.ID)
		}
		index := db.nextIndex
		entry := registryEntry{
			ImageInfo: ImageInfo{ID: sig.ID, Index: index, Width: sig.Width, Height: sig.Height, Avgl: quantizeAvgl(sig.AvgLF)},
			cacheOfs:  off,
		}
		db.registry = append(db.registry, entry)
		db.byID[sig.ID] = index
		db.nextIndex++
		db.scatterCoefficients(index, &sig)
	}

	if err := db.buckets.SetBase(); err != nil {
		return ioErr("open_alter", err)
	}
	db.bucketsValid = true
	return nil
}

// sliceWriter is a minimal io.Writer over a growable byte slice, used where
// bytebufferpool would be overkill for a single fixed-size record.
type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
