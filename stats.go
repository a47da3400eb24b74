package rebind

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the engine's aggregate counters.
type Stats struct {
	// Rebinds counts completed rebind attempts, successful or not.
	Rebinds uint64

	// Matches counts rebinds that found and patched a slot.
	Matches uint64

	// CASFailures counts rebinds that lost the compare-and-swap race.
	CASFailures uint64

	// SymtabScans counts full symbol-table scans by the resolver.
	SymtabScans uint64

	// CacheHits counts resolver lookups served from the name cache.
	CacheHits uint64

	// Elapsed is the cumulative time spent inside rebind attempts.
	Elapsed time.Duration
}

type engineStats struct {
	rebinds     atomic.Uint64
	matches     atomic.Uint64
	casFailures atomic.Uint64
	elapsedNS   atomic.Int64
}

func (s *engineStats) observe(r Result) {
	s.rebinds.Add(1)
	if r.Success {
		s.matches.Add(1)
	}
	if r.Class == ClassConcurrentModification {
		s.casFailures.Add(1)
	}
	s.elapsedNS.Add(int64(r.Elapsed))
}

// Stats returns the engine's counters. Values are read individually, not as
// one atomic snapshot.
func (e *Engine) Stats() Stats {
	return Stats{
		Rebinds:     e.stats.rebinds.Load(),
		Matches:     e.stats.matches.Load(),
		CASFailures: e.stats.casFailures.Load(),
		SymtabScans: e.res.scans.Load(),
		CacheHits:   e.res.hits.Load(),
		Elapsed:     time.Duration(e.stats.elapsedNS.Load()),
	}
}
