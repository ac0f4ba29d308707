// Package vfs implements the client-side verifiable virtual file: it
// intercepts page-level reads from the SQL engine and satisfies them from
// the verified page cache, or from batched remote fetches whose Merkle
// proofs are checked against the trusted root before a single byte is
// surfaced.
package vfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/verifiabledb/v2fs/internal/cache"
	"github.com/verifiabledb/v2fs/internal/logger"
	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/store"
	"github.com/verifiabledb/v2fs/internal/vbf"
)

// OptLevel selects which caching layers are active.
type OptLevel int

const (
	// OptNone disables all caching; every read fetches and verifies.
	OptNone OptLevel = iota

	// OptIntra reuses pages and nodes within a single query only.
	OptIntra

	// OptInter keeps the page and node caches across queries.
	OptInter

	// OptInterVBF adds the versioned Bloom filter on top of OptInter,
	// suppressing refetches of pages known unchanged across versions.
	OptInterVBF
)

// Valid reports whether l is a recognized optimization level.
func (l OptLevel) Valid() bool { return l >= OptNone && l <= OptInterVBF }

// nodeCacheDivisor derives the node-cache budget from the page budget.
const nodeCacheDivisor = 16

// Config parameterizes a Backend.
type Config struct {
	// CacheBytes is the page-cache budget C_p in bytes.
	CacheBytes int64

	// Level is the optimization level.
	Level OptLevel

	// VBFBits and VBFHashes size the versioned Bloom filter; used only
	// at OptInterVBF.
	VBFBits   int
	VBFHashes int
}

// Counters accumulates per-query fetch accounting.
type Counters struct {
	PagesFetched int
	ProofBytes   int
	FetchCalls   int
}

// Backend is the verifiable page-fetch engine: the single client-side
// value holding the trusted root, the caches, and the VBF. It is threaded
// through all calls rather than living in package state, and is accessed
// serially by one query at a time; a single lock guards the trust anchor
// so nothing is held across network I/O.
type Backend struct {
	mu    sync.Mutex
	store store.MerkleStore
	cfg   Config

	pages  *cache.PageCache // nil at OptNone
	nodes  *cache.NodeCache // nil at OptNone
	filter *vbf.Filter      // nil below OptInterVBF

	root     mht.Digest
	version  uint64
	n        uint64
	pageSize int

	queryCtx context.Context
	counters Counters

	// queryErr retains the first read failure of the current query. The
	// SQL engine flattens I/O errors into its own codes, so the driver
	// recovers the classified error from here.
	queryErr error
}

// NewBackend bootstraps a backend against a store: it installs the
// trusted root and allocates the caching layers for the configured level.
func NewBackend(ctx context.Context, st store.MerkleStore, cfg Config) (*Backend, error) {
	if !cfg.Level.Valid() {
		return nil, fmt.Errorf("vfs: invalid optimization level %d", cfg.Level)
	}
	info, err := st.GetRoot(ctx)
	if err != nil {
		return nil, err
	}
	if info.PageSize <= 0 || info.Pages == 0 {
		return nil, fmt.Errorf("vfs: store reports empty geometry")
	}
	b := &Backend{
		store:    st,
		cfg:      cfg,
		root:     info.Root,
		version:  info.Version,
		n:        info.Pages,
		pageSize: info.PageSize,
		queryCtx: context.Background(),
	}
	if cfg.Level >= OptIntra {
		b.pages = cache.NewPageCache(cfg.CacheBytes)
		b.nodes = cache.NewNodeCache(cfg.CacheBytes / nodeCacheDivisor)
	}
	if cfg.Level >= OptInterVBF {
		f, err := vbf.New(cfg.VBFBits, cfg.VBFHashes)
		if err != nil {
			return nil, err
		}
		b.filter = f
	}
	logger.Component("vfs").Debug().
		Uint64("version", info.Version).
		Uint64("pages", info.Pages).
		Int("page_size", info.PageSize).
		Str("root", info.Root.String()).
		Msg("trusted root installed")
	return b, nil
}

// Root returns the trusted root and its version.
func (b *Backend) Root() (mht.Digest, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.root, b.version
}

// Size returns the authenticated file size in bytes.
func (b *Backend) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.n) * int64(b.pageSize)
}

// PageSize returns the page size.
func (b *Backend) PageSize() int { return b.pageSize }

// Counters returns a snapshot of the per-query counters.
func (b *Backend) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// BeginQuery prepares the backend for one query: counters reset, and
// below the inter-query levels any leftover cache content is dropped so a
// query never reuses its predecessor's pages. ctx governs cancellation of
// the query's remote fetches.
func (b *Backend) BeginQuery(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = Counters{}
	b.queryCtx = ctx
	b.queryErr = nil
	if b.cfg.Level <= OptIntra && b.pages != nil {
		b.pages.Reset()
		b.nodes.Reset()
	}
}

// EndQuery tears the per-query state down. At OptIntra the transient
// staging caches die with the query.
func (b *Backend) EndQuery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryCtx = context.Background()
	if b.cfg.Level <= OptIntra && b.pages != nil {
		b.pages.Reset()
		b.nodes.Reset()
	}
}

// RefreshVersion consults the store for a fresh root between queries. On
// a version change the root and, at OptInterVBF, the merged VBF delta are
// swapped in together: the client never holds a new root alongside a
// stale filter.
func (b *Backend) RefreshVersion(ctx context.Context) error {
	info, err := b.store.GetRoot(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	current := b.version
	b.mu.Unlock()
	if info.Version == current {
		return nil
	}

	var delta *vbf.Filter
	if b.filter != nil {
		blob, err := b.store.GetVBFDelta(ctx, current, info.Version)
		if err != nil {
			return err
		}
		delta, err = vbf.Decode(blob)
		if err != nil {
			return fmt.Errorf("%w: vbf delta: %v", mht.ErrProtocol, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if delta != nil {
		if err := b.filter.Merge(delta); err != nil {
			return fmt.Errorf("%w: vbf delta: %v", mht.ErrProtocol, err)
		}
	}
	b.root = info.Root
	b.version = info.Version
	b.n = info.Pages
	b.pageSize = info.PageSize
	logger.Component("vfs").Debug().Uint64("version", info.Version).Msg("root advanced")
	return nil
}

// snapshot captures the trust anchor for one read.
func (b *Backend) snapshot() (mht.Digest, uint64, uint64, int, context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.root, b.version, b.n, b.pageSize, b.queryCtx
}

// QueryErr returns the first read failure of the current query, nil if
// every read verified.
func (b *Backend) QueryErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryErr
}

func (b *Backend) recordErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queryErr == nil {
		b.queryErr = err
	}
}

func (b *Backend) addCounters(pagesFetched, proofBytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.PagesFetched += pagesFetched
	b.counters.ProofBytes += proofBytes
	b.counters.FetchCalls++
}
