package imgdb

import (
	"fmt"

	"github.com/pixsim/imgdb/bucket"
	"github.com/pixsim/imgdb/continuity"
	"github.com/pixsim/imgdb/sigcache"
	"k8s.io/klog/v2"
)

// Mode selects one of the three operating variants sharing the on-disk
// format. Modeled as a tagged variant with runtime dispatch rather than
// separate types per mode, since the branch only happens once per
// operation.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSimple
	ModeAlter
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSimple:
		return "simple"
	case ModeAlter:
		return "alter"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) refWidth() int {
	if m == ModeAlter {
		return 8
	}
	return 4
}

const signatureRecordSize = 8 + 4 + 4 + NumChannels*NumCoefs*2 + NumChannels*8

// DB is a DbSpace: the facade selecting one of the three mode
// implementations and exposing add/remove/query/load/save. One DB must not
// be used from more than one goroutine concurrently; it performs no
// internal locking.
type DB struct {
	mode Mode
	cfg  *config

	buckets  *bucket.Store
	sigCache *sigcache.Cache // nil in alter mode and in simple mode without WithSimpleSigCache

	registry []registryEntry
	byID     map[uint64]int32
	nextIndex int32

	bucketsValid bool // m_bucketsValid: false after a normal-mode remove until rehash

	// alter mode only
	deleted    []int32
	ids        []uint64
	rewriteIDs bool
	dbPath     string
	dbFile     *dbFile

	closed bool
}

// New creates an empty DbSpace in the given mode.
func New(mode Mode, opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	bs, err := bucket.New(NumBuckets, mode.refWidth())
	if err != nil {
		return nil, ioErr("new", err)
	}

	db := &DB{
		mode:         mode,
		cfg:          cfg,
		buckets:      bs,
		byID:         make(map[uint64]int32),
		bucketsValid: true,
	}

	switch mode {
	case ModeNormal:
		sc, err := sigcache.Open(signatureRecordSize)
		if err != nil {
			bs.Close()
			return nil, ioErr("new", err)
		}
		db.sigCache = sc
	case ModeSimple:
		if cfg.simpleHasSigCache {
			sc, err := sigcache.Open(signatureRecordSize)
			if err != nil {
				bs.Close()
				return nil, ioErr("new", err)
			}
			db.sigCache = sc
		}
	case ModeAlter:
		// No in-memory sig cache; full-signature access seeks the
		// database file directly (populated by Open, not New).
	default:
		bs.Close()
		return nil, usageErr("new", fmt.Sprintf("unknown mode %v", mode))
	}

	return db, nil
}

// Mode reports which of the three variants this DbSpace implements.
func (db *DB) Mode() Mode { return db.mode }

// Close releases the bucket store, sig cache, and (alter mode) database
// file. Safe to call once.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	chain := continuity.New().Thenf("close buckets", db.buckets.Close)
	if db.sigCache != nil {
		chain = chain.Thenf("close sigcache", db.sigCache.Close)
	}
	if db.dbFile != nil {
		chain = chain.Thenf("close db file", db.dbFile.close)
	}
	return chain.Err()
}

func (db *DB) requireMode(op string, want Mode) error {
	if db.mode != want {
		return usageErr(op, fmt.Sprintf("operation requires %v mode, DbSpace is %v", want, db.mode))
	}
	return nil
}

func (db *DB) warnf(format string, args ...interface{}) {
	klog.Warningf(format, args...)
}
