// Package sigcache implements a random-access store of full signature
// records keyed by a monotonically assigned offset, backed by an anonymous
// temporary file unlinked immediately after creation.
//
// A pread/pwrite facade over raw offsets rather than hash keys, since the
// records here are fixed-size.
package sigcache

import (
	"fmt"
	"os"
)

// Cache is a random-access store of fixed-size records.
type Cache struct {
	file       *os.File
	recordSize int64
	end        int64
}

// Open creates a Cache backed by a new, immediately unlinked temp file.
func Open(recordSize int) (*Cache, error) {
	f, err := os.CreateTemp("", "imgdb-sigcache-*")
	if err != nil {
		return nil, fmt.Errorf("sigcache: create temp file: %w", err)
	}
	name := f.Name()
	if err := os.Remove(name); err != nil {
		f.Close()
		return nil, fmt.Errorf("sigcache: unlink temp file: %w", err)
	}
	return &Cache{file: f, recordSize: int64(recordSize)}, nil
}

// Close releases the backing file.
func (c *Cache) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// Reserve returns the current end-of-cache offset and advances it by one
// record.
func (c *Cache) Reserve() int64 {
	off := c.end
	c.end += c.recordSize
	return off
}

// Write pwrites buf (must be exactly one record) at offset off.
func (c *Cache) Write(off int64, buf []byte) error {
	if int64(len(buf)) != c.recordSize {
		return fmt.Errorf("sigcache: write: expected %d bytes, got %d", c.recordSize, len(buf))
	}
	if _, err := c.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("sigcache: write at %d: %w", off, err)
	}
	return nil
}

// Read preads exactly one record at offset off into buf.
func (c *Cache) Read(off int64, buf []byte) error {
	if int64(len(buf)) != c.recordSize {
		return fmt.Errorf("sigcache: read: expected %d bytes, got %d", c.recordSize, len(buf))
	}
	if _, err := c.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("sigcache: read at %d: %w", off, err)
	}
	return nil
}

// RecordSize returns the fixed record size this cache was opened with.
func (c *Cache) RecordSize() int { return int(c.recordSize) }
