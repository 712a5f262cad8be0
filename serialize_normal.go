package imgdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pixsim/imgdb/continuity"
	"github.com/valyala/bytebufferpool"
	"k8s.io/klog/v2"
)

// Save writes the database to path. Normal mode writes to "<path>.temp"
// then renames (all-or-nothing). Simple mode always fails with
// usage_error. Alter mode mutates the already-open file in place.
func (db *DB) Save(path string) error {
	switch db.mode {
	case ModeNormal:
		return db.saveNormal(path)
	case ModeSimple:
		return usageErr("save", "save is not supported in simple mode")
	case ModeAlter:
		return db.saveAlter()
	default:
		return usageErr("save", "unknown mode")
	}
}

func (db *DB) saveNormal(path string) error {
	tmp := path + ".temp"
	f, err := os.Create(tmp)
	if err != nil {
		return ioErr("save", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	err = continuity.New().
		Thenf("write header and buckets", func() error { return db.writeNormalBody(w) }).
		Thenf("flush", w.Flush).
		Thenf("sync", f.Sync).
		Thenf("close", f.Close).
		Thenf("rename", func() error { return os.Rename(tmp, path) }).
		Err()
	if err != nil {
		os.Remove(tmp)
		return ioErr("save", err)
	}
	return nil
}

func (db *DB) writeNormalBody(w *bufio.Writer) error {
	numImages := uint64(len(db.registry))
	bucketsBytes := NumBuckets * 4
	firstSigOffset := int64(4+8+8) + int64(bucketsBytes) + int64(numImages)*8 + int64(idTablePadding)*8

	if err := binary.Write(w, binary.LittleEndian, versionCode); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, numImages); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, firstSigOffset); err != nil {
		return err
	}

	for c := 0; c < NumChannels; c++ {
		for sign := 0; sign < NumSigns; sign++ {
			for mag := 1; mag <= NumPixels*NumPixels-1; mag++ {
				b := canonicalBucket(c, sign, mag)
				if err := binary.Write(w, binary.LittleEndian, uint32(db.buckets.Size(b))); err != nil {
					return err
				}
			}
		}
	}

	for _, e := range db.registry {
		if err := binary.Write(w, binary.LittleEndian, e.ID); err != nil {
			return err
		}
	}
	var zero uint64
	for i := 0; i < idTablePadding; i++ {
		if err := binary.Write(w, binary.LittleEndian, zero); err != nil {
			return err
		}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, e := range db.registry {
		sig, err := db.fullSignature(e)
		if err != nil {
			return err
		}
		buf.Reset()
		if err := encodeSignature(buf, &sig); err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// fullSignature reconstructs the signature for a registry entry: a SigCache
// read in normal/optional-simple mode, a file seek in alter mode.
func (db *DB) fullSignature(e registryEntry) (Signature, error) {
	if e.cacheOfs < 0 {
		return Signature{}, usageErr("save", "full signature access requires a sig cache")
	}
	buf := make([]byte, signatureRecordSize)
	switch {
	case db.mode == ModeAlter:
		if db.dbFile == nil || db.dbFile.file == nil {
			return Signature{}, usageErr("save", "alter mode database file is not open")
		}
		if _, err := db.dbFile.file.ReadAt(buf, e.cacheOfs); err != nil {
			return Signature{}, err
		}
	case db.sigCache != nil:
		if err := db.sigCache.Read(e.cacheOfs, buf); err != nil {
			return Signature{}, err
		}
	default:
		return Signature{}, usageErr("save", "full signature access requires a sig cache")
	}
	return decodeSignature(buf)
}

// Load reads a database file previously written by Save (normal mode
// layout; also used to populate a simple-mode DbSpace from a normal-mode
// file).
func Load(path string, mode Mode, opts ...Option) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioErr("load", err)
	}
	defer f.Close()

	db, err := New(mode, opts...)
	if err != nil {
		return nil, err
	}

	if err := db.loadFrom(f); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// recordReader is what loadFrom needs to walk the on-disk layout: a
// *os.File satisfies it directly for Load; LoadSimpleReadOnly instead hands
// it an io.SectionReader wrapping a memory-mapped ReaderAt.
type recordReader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

func (db *DB) loadFrom(f recordReader) error {
	var vcode uint32
	if err := binary.Read(f, binary.LittleEndian, &vcode); err != nil {
		return ioErr("load", err)
	}
	if vcode != versionCode {
		if vcode>>8 != srzVSize {
			return dataErr("load", fmt.Errorf("incompatible integer width in version_code 0x%x", vcode))
		}
		klog.Warningf("imgdb: loading file with older version_code 0x%x", vcode)
	}

	var numImages uint64
	if err := binary.Read(f, binary.LittleEndian, &numImages); err != nil {
		return ioErr("load", err)
	}
	var firstSigOffset int64
	if err := binary.Read(f, binary.LittleEndian, &firstSigOffset); err != nil {
		return ioErr("load", err)
	}

	sizes := make([]uint32, NumBuckets)
	for i := range sizes {
		if err := binary.Read(f, binary.LittleEndian, &sizes[i]); err != nil {
			return ioErr("load", err)
		}
		db.buckets.Reserve(i, int(sizes[i]))
	}

	ids := make([]uint64, numImages)
	for i := range ids {
		if err := binary.Read(f, binary.LittleEndian, &ids[i]); err != nil {
			return ioErr("load", err)
		}
	}
	if _, err := f.Seek(int64(idTablePadding)*8, 1); err != nil {
		return ioErr("load", err)
	}

	if _, err := f.Seek(firstSigOffset, 0); err != nil {
		return ioErr("load", err)
	}
	buf := make([]byte, signatureRecordSize)
	for i := uint64(0); i < numImages; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return ioErr("load", err)
		}
		sig, err := decodeSignature(buf)
		if err != nil {
			return dataErr("load", err)
		}
		if sig.ID != ids[i] {
			msg := fmt.Errorf("id table mismatch at index %d: table has %d, signature has %d", i, ids[i], sig.ID)
			if db.mode == ModeNormal {
				return dataErr("load", msg)
			}
			klog.Warningf("imgdb: %v", msg)
		}
		if err := db.AddImageData(sig); err != nil {
			return err
		}
	}

	if err := db.buckets.SetBase(); err != nil {
		return ioErr("load", err)
	}
	db.bucketsValid = true
	return nil
}
