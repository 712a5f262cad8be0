package imgdb

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/valyala/bytebufferpool"
)

// AddImageData is the core insertion operation: reject duplicates, assign a
// dense internal index, persist the signature, then scatter its
// coefficients into buckets.
func (db *DB) AddImageData(sig Signature) error {
	if _, ok := db.byID[sig.ID]; ok {
		return duplicateIDErr("add", sig.ID)
	}

	index := db.nextIndex
	entry := registryEntry{
		ImageInfo: ImageInfo{
			ID:     sig.ID,
			Index:  index,
			Width:  sig.Width,
			Height: sig.Height,
			Avgl:   quantizeAvgl(sig.AvgLF),
		},
		cacheOfs: -1,
	}

	switch {
	case db.mode == ModeAlter:
		if db.dbFile == nil {
			return usageErr("add", "alter mode requires a database file (use CreateAlter/OpenAlter)")
		}
		ofs, err := db.appendAlterSignature(&sig)
		if err != nil {
			return err
		}
		entry.cacheOfs = ofs
	case db.sigCache != nil:
		ofs := db.sigCache.Reserve()
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if err := encodeSignature(buf, &sig); err != nil {
			return ioErr("add", err)
		}
		if err := db.sigCache.Write(ofs, buf.Bytes()); err != nil {
			return ioErr("add", err)
		}
		entry.cacheOfs = ofs
	}

	// Complete bucket inserts before the registry commit, so a failure
	// here cannot leave registry and buckets disagreeing.
	inserted := db.scatterCoefficients(index, &sig)
	if len(inserted) != countExpectedInserts(&sig) {
		db.rollbackInserts(index, inserted)
		return internalErr("add", fmt.Errorf("short insert: expected consistent coefficient fan-out"))
	}

	db.nextIndex++
	db.registry = append(db.registry, entry)
	db.byID[sig.ID] = index

	if db.mode == ModeAlter {
		db.ids = append(db.ids, sig.ID)
		db.rewriteIDs = true
	}

	return nil
}

func countExpectedInserts(sig *Signature) int {
	channels := NumChannels
	if isGrayscaleAvgl(sig.AvgLF) {
		channels = 1
	}
	return channels * NumCoefs
}

func (db *DB) scatterCoefficients(index int32, sig *Signature) []int {
	channels := NumChannels
	if sig.IsGrayscale() {
		channels = 1
	}
	ref := refForIndex(db.mode, index, sig.ID)
	var touched []int
	for c := 0; c < channels; c++ {
		for _, k := range sig.Sig[c] {
			sign, mag := bucketSignAndMagnitude(k)
			b := canonicalBucket(c, sign, mag)
			db.buckets.Add(b, ref)
			touched = append(touched, b)
		}
	}
	return touched
}

func (db *DB) rollbackInserts(index int32, buckets []int) {
	ref := refForIndex(db.mode, index, 0)
	for _, b := range buckets {
		if _, err := db.buckets.Remove(b, ref); err != nil {
			db.warnf("imgdb: rollback remove from bucket %d failed: %v", b, err)
		}
	}
}

// refForIndex returns the ImageRef stored in buckets for a given internal
// index: the index itself in normal/simple mode, the caller-assigned id in
// alter mode.
func refForIndex(mode Mode, index int32, id uint64) uint64 {
	if mode == ModeAlter {
		return id
	}
	return uint64(uint32(index))
}

// AddImage decodes path via the configured SignatureFunc and adds it.
func (db *DB) AddImage(id uint64, path string) error {
	if db.cfg.sigFunc == nil {
		return usageErr("add_image", "no SignatureFunc configured")
	}
	img, err := decodeImageFile(path)
	if err != nil {
		return ioErr("add_image", err)
	}
	sig, err := db.cfg.sigFunc(img, id)
	if err != nil {
		return err
	}
	return db.AddImageData(sig)
}

// AddImageBlob decodes an in-memory image and adds it.
func (db *DB) AddImageBlob(id uint64, blob []byte) error {
	if db.cfg.sigFunc == nil {
		return usageErr("add_image_blob", "no SignatureFunc configured")
	}
	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return ioErr("add_image_blob", err)
	}
	sig, err := db.cfg.sigFunc(img, id)
	if err != nil {
		return err
	}
	return db.AddImageData(sig)
}

// Remove removes id, per each mode's own contract: normal mode defers
// bucket cleanup to Rehash, simple mode tombstones in place, and alter mode
// defers compaction to the next Save.
func (db *DB) Remove(id uint64) error {
	index, ok := db.byID[id]
	if !ok {
		return invalidIDErr("remove", id)
	}

	switch db.mode {
	case ModeNormal:
		return db.removeNormal(id, index)
	case ModeSimple:
		return db.removeSimple(id, index)
	case ModeAlter:
		return db.removeAlter(id, index)
	default:
		return usageErr("remove", "unknown mode")
	}
}

func (db *DB) removeNormal(id uint64, index int32) error {
	entry := db.registry[index]
	var sig Signature
	if db.sigCache != nil && entry.cacheOfs >= 0 {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		buf.Set(make([]byte, signatureRecordSize))
		if err := db.sigCache.Read(entry.cacheOfs, buf.Bytes()); err != nil {
			return ioErr("remove", err)
		}
		s, err := decodeSignature(buf.Bytes())
		if err != nil {
			return dataErr("remove", err)
		}
		sig = s
	} else {
		return internalErr("remove", fmt.Errorf("normal mode entry missing sig cache offset"))
	}

	channels := NumChannels
	if sig.IsGrayscale() {
		channels = 1
	}
	ref := refForIndex(ModeNormal, index, 0)
	for c := 0; c < channels; c++ {
		for _, k := range sig.Sig[c] {
			sign, mag := bucketSignAndMagnitude(k)
			b := canonicalBucket(c, sign, mag)
			if _, err := db.buckets.Remove(b, ref); err != nil {
				return ioErr("remove", err)
			}
		}
	}

	delete(db.byID, id)
	// Fill the hole with the last row so registry indices stay dense; the
	// moved row's bucket refs are rebuilt by Rehash.
	last := int32(len(db.registry)) - 1
	if index != last {
		moved := db.registry[last]
		moved.Index = index
		db.registry[index] = moved
		db.byID[moved.ID] = index
	}
	db.registry = db.registry[:last]
	db.nextIndex = last
	db.bucketsValid = false
	return nil
}

func (db *DB) removeSimple(id uint64, index int32) error {
	entry := &db.registry[index]
	entry.Avgl[0] = 0 // sentinel: skipped by query / live-in-simple-mode test
	delete(db.byID, id)
	return nil
}

func (db *DB) removeAlter(id uint64, index int32) error {
	delete(db.byID, id)
	db.deleted = append(db.deleted, index)
	return nil
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
