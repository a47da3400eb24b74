package rebind

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// defaultCacheSize bounds the address-to-name cache. Entries are only ever
// evicted under pressure or by an explicit clear.
const defaultCacheSize = 8192

func hashAddr(a uintptr) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(a))
	return uint32(xxh3.Hash(b[:]))
}

// resolver memoizes address-to-name lookups against a reference image's
// symbol table. A cached pair goes stale if an image is unloaded and another
// mapped at the same address; that staleness is accepted rather than tracking
// loader events.
type resolver struct {
	cache *freelru.SyncedLRU[uintptr, string]

	// Full symbol-table scans performed. Exposed through Stats; tests use
	// it to prove memoization.
	scans atomic.Uint64
	hits  atomic.Uint64
}

func newResolver(cacheSize uint32) (*resolver, error) {
	cache, err := freelru.NewSynced[uintptr, string](cacheSize, hashAddr)
	if err != nil {
		return nil, err
	}
	return &resolver{cache: cache}, nil
}

// resolve maps a runtime code address to its symbol name using ref's symbol
// table. The miss path is a linear nlist scan; the result is cached before
// returning, so repeated lookups of one address scan at most once.
func (r *resolver) resolve(ref *symtabView, addr uintptr) (string, bool) {
	if name, ok := r.cache.Get(addr); ok {
		r.hits.Add(1)
		return name, true
	}
	if ref == nil {
		return "", false
	}

	r.scans.Add(1)
	name, ok := ref.nameForAddr(addr)
	if !ok {
		// Negative results are not cached: the address may become
		// resolvable after the loader binds more symbols.
		return "", false
	}
	r.cache.Add(addr, name)
	return name, true
}

func (r *resolver) clear() {
	r.cache.Purge()
}
