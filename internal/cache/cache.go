// Package cache is a content-addressed store for completed conversions,
// fronted by a small in-memory hot cache so repeated batch runs over an
// unchanged tree of NLMs skip both the decompressor and the ELF writer
// entirely. The durable tier is a pebble key-value store; the hot tier is a
// TinyLFU admission cache, mirroring the two-tier shape the teacher uses for
// its own block cache in internal/spinner/concurrent.go.
package cache

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/v2"
	tinylfu "github.com/dgryski/go-tinylfu"
)

// entry is what's stored per content hash: the serialized ELF bytes and,
// optionally, the reconstituted plain NLM bytes, length-prefixed back to
// back.
type entry struct {
	elf []byte
	nlm []byte
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, 0, 8+len(e.elf)+len(e.nlm))
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(e.elf)))
	buf = append(buf, lenbuf[:]...)
	buf = append(buf, e.elf...)
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(e.nlm)))
	buf = append(buf, lenbuf[:]...)
	buf = append(buf, e.nlm...)
	return buf
}

func decodeEntry(raw []byte) (entry, error) {
	if len(raw) < 4 {
		return entry{}, fmt.Errorf("cache: truncated entry")
	}
	elfLen := binary.LittleEndian.Uint32(raw)
	raw = raw[4:]
	if len(raw) < int(elfLen)+4 {
		return entry{}, fmt.Errorf("cache: truncated entry")
	}
	elf := raw[:elfLen]
	raw = raw[elfLen:]
	nlmLen := binary.LittleEndian.Uint32(raw)
	raw = raw[4:]
	if len(raw) < int(nlmLen) {
		return entry{}, fmt.Errorf("cache: truncated entry")
	}
	return entry{elf: elf, nlm: raw[:nlmLen]}, nil
}

// hasher satisfies tinylfu's required key-hashing signature for our key
// type, following the pattern of the teacher's ckey/bhasher pair.
func hasher(k [8]byte) uint64 {
	return binary.LittleEndian.Uint64(k[:])
}

// Cache is a durable, content-addressed conversion cache. Safe for concurrent
// use by multiple goroutines, as required by batch-mode conversion.
// tinylfu.T carries no such guarantee on its own, so hotMu serializes access
// to the hot tier; pebble.DB is already safe for concurrent use.
type Cache struct {
	db *pebble.DB

	hotMu sync.Mutex
	hot   *tinylfu.T[[8]byte, entry]
}

// hotCacheSize bounds the number of recent conversions kept fully in
// memory; batch runs over larger trees still hit the durable tier.
const hotCacheSize = 256

// Open opens (creating if necessary) a persistent cache rooted at dir.
func Open(dir string) (*Cache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dir, err)
	}
	return &Cache{
		db:  db,
		hot: tinylfu.New[[8]byte, entry](hotCacheSize, hotCacheSize*10, hasher),
	}, nil
}

// Close releases the durable store's resources.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ContentHash returns the cache key for a conversion input: the xxhash-64
// digest of the post-transparent-decompression NLM bytes.
func ContentHash(nlmBytes []byte) [8]byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], xxhash.Sum64(nlmBytes))
	return key
}

// Get returns the cached ELF and (if originally stored) NLM bytes for key,
// or ok=false if nothing is cached for it.
func (c *Cache) Get(key [8]byte) (elf, nlm []byte, ok bool) {
	c.hotMu.Lock()
	e, hit := c.hot.Get(key)
	c.hotMu.Unlock()
	if hit {
		return e.elf, e.nlm, true
	}

	raw, closer, err := c.db.Get(key[:])
	if err != nil {
		return nil, nil, false
	}
	defer closer.Close()

	e, err = decodeEntry(raw)
	if err != nil {
		return nil, nil, false
	}
	// Copy out: raw is only valid until closer.Close().
	e.elf = append([]byte(nil), e.elf...)
	e.nlm = append([]byte(nil), e.nlm...)

	c.hotMu.Lock()
	c.hot.Add(key, e)
	c.hotMu.Unlock()
	return e.elf, e.nlm, true
}

// Put stores elf (and, if non-nil, nlm) under key, in both tiers.
func (c *Cache) Put(key [8]byte, elf, nlm []byte) error {
	e := entry{elf: elf, nlm: nlm}
	if err := c.db.Set(key[:], encodeEntry(e), pebble.Sync); err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	c.hotMu.Lock()
	c.hot.Add(key, e)
	c.hotMu.Unlock()
	return nil
}
