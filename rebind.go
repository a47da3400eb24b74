package rebind

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
)

var archSupported = runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64"

// Request asks for one symbol to be redirected. The caller owns it and must
// not mutate it for the duration of the call.
type Request struct {
	// Symbol is the target symbol name, with or without the C leading
	// underscore.
	Symbol string

	// Replacement is the address calls should be redirected to.
	Replacement uintptr

	// Original, if non-nil, receives the address the slot held before the
	// patch. The same address is also reported in the Result.
	Original *uintptr
}

// Result reports the outcome of one rebind attempt.
type Result struct {
	Success  bool
	Symbol   string
	Image    string // image the match was found in, if any
	Original uintptr
	Elapsed  time.Duration
	Class    Classification
	Err      error
}

// Engine is the rebinding orchestrator. All rebind operations are serialized
// by a single exclusive gate: image enumeration and slot patching are not
// reentrant-safe against interleaved rebinds from other threads, and the
// gate is deliberately engine-wide rather than per-image.
type Engine struct {
	mu     sync.Mutex
	source ImageSource
	res    *resolver
	log    log.Interface
	stats  engineStats
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	source    ImageSource
	logger    log.Interface
	cacheSize uint32
}

// WithImageSource replaces the default image catalog. On darwin the default
// enumerates dyld's images; everywhere else it is empty.
func WithImageSource(s ImageSource) Option {
	return func(c *config) { c.source = s }
}

// WithLogger routes the engine's debug output. The default discards it.
func WithLogger(l log.Interface) Option {
	return func(c *config) { c.logger = l }
}

// WithCacheSize sets the symbol name cache capacity.
func WithCacheSize(n uint32) Option {
	return func(c *config) { c.cacheSize = n }
}

// New constructs an Engine with a fresh symbol name cache.
func New(opts ...Option) (*Engine, error) {
	cfg := config{
		source:    defaultSource(),
		logger:    &log.Logger{Handler: discard.Default, Level: log.InfoLevel},
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := newResolver(cfg.cacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		source: cfg.source,
		res:    res,
		log:    cfg.logger,
	}, nil
}

// Rebind redirects the first pointer slot bound to the requested symbol,
// scanning images in enumeration order. A missing symbol is a normal
// unsuccessful Result, not an error; only malformed requests are rejected
// before any scanning happens.
func (e *Engine) Rebind(req Request) Result {
	if res, ok := validate(req); !ok {
		return res
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebindLocked(req)
}

// BatchRebind applies the single-request contract to each request in input
// order. One request's failure does not abort later requests. The whole
// batch runs under one gate acquisition.
func (e *Engine) BatchRebind(reqs []Request) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]Result, len(reqs))
	for i, req := range reqs {
		if res, ok := validate(req); !ok {
			results[i] = res
			continue
		}
		results[i] = e.rebindLocked(req)
	}
	return results
}

// FindAddress reports the runtime address of a symbol without mutating
// anything, searching every image's symbol table in enumeration order.
func (e *Engine) FindAddress(symbol string) (uintptr, bool) {
	if symbol == "" || !archSupported {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findAddressLocked(symbol)
}

// ClearSymbolCache drops every memoized address-to-name pair. Safe to call
// concurrently with rebinds; the cache is a side table, not required for
// correctness.
func (e *Engine) ClearSymbolCache() {
	e.res.clear()
}

// Images returns a snapshot of the current image catalog. Read-only; meant
// for diagnostics.
func (e *Engine) Images() []Image {
	return e.source.Images()
}

// Exclusive exposes the engine's operations to a caller already holding the
// gate via WithExclusiveAccess.
type Exclusive struct {
	e *Engine
}

// WithExclusiveAccess runs fn with the rebind gate held, letting the caller
// group several operations under one acquisition. The Exclusive handle must
// not escape fn.
func (e *Engine) WithExclusiveAccess(fn func(*Exclusive)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&Exclusive{e: e})
}

// Rebind is Engine.Rebind under the already-held gate.
func (x *Exclusive) Rebind(req Request) Result {
	if res, ok := validate(req); !ok {
		return res
	}
	return x.e.rebindLocked(req)
}

// BatchRebind is Engine.BatchRebind under the already-held gate.
func (x *Exclusive) BatchRebind(reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		if res, ok := validate(req); !ok {
			results[i] = res
			continue
		}
		results[i] = x.e.rebindLocked(req)
	}
	return results
}

// FindAddress is Engine.FindAddress under the already-held gate.
func (x *Exclusive) FindAddress(symbol string) (uintptr, bool) {
	if symbol == "" || !archSupported {
		return 0, false
	}
	return x.e.findAddressLocked(symbol)
}

func validate(req Request) (Result, bool) {
	res := Result{Symbol: req.Symbol, Class: ClassInvalidSymbolFormat}
	if req.Symbol == "" {
		res.Err = errEmptySymbol
		return res, false
	}
	if req.Replacement == 0 {
		res.Err = errNilReplacement
		return res, false
	}
	return Result{}, true
}

func (e *Engine) rebindLocked(req Request) (res Result) {
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		e.stats.observe(res)
	}()
	res.Symbol = req.Symbol

	if !archSupported {
		res.Class = ClassUnsupportedArchitecture
		res.Err = fmt.Errorf("rebind: unsupported architecture %s", runtime.GOARCH)
		return res
	}

	images := e.source.Images()
	if len(images) == 0 {
		res.Class = ClassSymbolNotFound
		return res
	}

	// The first enumerated image is the reference for address-to-name
	// resolution; with dyld that is the main executable.
	ref := e.referenceSymtab(images[0])

	parsed := 0
	for _, img := range images {
		lay, err := parseImage(img)
		if err != nil {
			e.log.WithFields(log.Fields{
				"image": img.Name,
				"class": ClassImageLayoutUnsupported.String(),
			}).WithError(err).Debug("skipping image")
			continue
		}
		parsed++
		for _, table := range lay.tables {
			for i := 0; i < table.count; i++ {
				slot := table.slot(i)
				cur := loadSlot(slot)
				if cur == 0 {
					continue
				}
				name, ok := e.res.resolve(ref, cur)
				if !ok || !symbolMatches(req.Symbol, name) {
					continue
				}

				e.log.WithFields(log.Fields{
					"image":  img.Name,
					"symbol": name,
					"slot":   fmt.Sprintf("%#x", slot),
					"target": describeTarget(cur),
				}).Debug("matched pointer slot")

				res.Image = img.Name
				var restore func() error
				if !table.writable {
					restore, err = unprotectSlot(slot)
					if err != nil {
						res.Class = ClassImageLayoutUnsupported
						res.Err = errors.Wrapf(err, "unprotect slot %#x", slot)
						return res
					}
				}
				swapped := patchSlot(slot, cur, req.Replacement)
				if restore != nil {
					if rerr := restore(); rerr != nil {
						e.log.WithError(rerr).Debug("restoring slot protection failed")
					}
				}
				if !swapped {
					res.Class = ClassConcurrentModification
					res.Err = errSlotChanged
					return res
				}
				res.Success = true
				res.Original = cur
				if req.Original != nil {
					*req.Original = cur
				}
				return res
			}
		}
	}

	if parsed == 0 {
		res.Class = ClassImageLayoutUnsupported
		return res
	}
	res.Class = ClassSymbolNotFound
	return res
}

func (e *Engine) findAddressLocked(symbol string) (uintptr, bool) {
	for _, img := range e.source.Images() {
		lay, err := parseImage(img)
		if err != nil || lay.symtab == nil {
			continue
		}
		if addr, ok := lay.symtab.addrForName(symbol); ok {
			return addr, true
		}
	}
	return 0, false
}

func (e *Engine) referenceSymtab(img Image) *symtabView {
	lay, err := parseImage(img)
	if err != nil {
		e.log.WithField("image", img.Name).WithError(err).Debug("reference image unusable")
		return nil
	}
	return lay.symtab
}
