package imgdb

// Rehash rebuilds all buckets from the signature cache. Required after
// removals in normal mode (queries reject with usage_error until called);
// not supported in simple mode.
func (db *DB) Rehash() error {
	switch db.mode {
	case ModeSimple:
		return usageErr("rehash", "rehash is not supported in simple mode")
	case ModeNormal, ModeAlter:
		return db.rehashFromCache()
	default:
		return usageErr("rehash", "unknown mode")
	}
}

func (db *DB) rehashFromCache() error {
	var skip map[int32]bool
	if len(db.deleted) > 0 {
		skip = make(map[int32]bool, len(db.deleted))
		for _, idx := range db.deleted {
			skip[idx] = true
		}
	}

	db.buckets.Clear()
	for idx := range db.registry {
		if skip[int32(idx)] {
			continue
		}
		entry := &db.registry[idx]
		sig, err := db.fullSignature(*entry)
		if err != nil {
			return internalErr("rehash", err)
		}
		if sig.ID != entry.ID {
			return internalErr("rehash", errMismatch(entry.ID, sig.ID))
		}
		db.scatterCoefficients(int32(idx), &sig)
	}
	if err := db.buckets.SetBase(); err != nil {
		return ioErr("rehash", err)
	}
	db.bucketsValid = true
	return nil
}

func errMismatch(want, got uint64) error {
	return &mismatchError{want: want, got: got}
}

type mismatchError struct {
	want, got uint64
}

func (e *mismatchError) Error() string {
	return "sig cache / registry id mismatch"
}
