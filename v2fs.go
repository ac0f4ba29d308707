// Package v2fs is a verifiable virtual filesystem layered beneath an
// embedded SQL engine.
//
// An untrusted server hosts a database file and a Merkle hash tree over
// its pages; a trusted client issues read-only SQL queries, receives the
// touched pages together with a proof, and reconstructs a root digest
// that must equal the locally held commitment. The client stores nothing
// but that 32-byte root, yet every byte surfaced to the SQL engine is
// verified with sub-query granularity.
//
// # Basic usage
//
// Build the ADS once for a database file, serve it, and query it:
//
//	client, _ := v2fs.Dial("localhost:9090")
//	backend, _ := v2fs.NewBackend(ctx, client, v2fs.Config{
//	    CacheBytes: 500 << 20,
//	    Level:      v2fs.OptInter,
//	})
//	engine, _ := v2fs.NewSQLiteEngine(backend, "verified.db")
//	driver, _ := v2fs.NewDriver(backend, engine, opts)
//	results, err := driver.Run(ctx)
//
// The cmd/v2fs-ads, cmd/v2fs-server and cmd/v2fs-client commands wrap
// these pieces for the command line.
package v2fs

import (
	"context"

	"github.com/verifiabledb/v2fs/internal/query"
	"github.com/verifiabledb/v2fs/internal/remote"
	"github.com/verifiabledb/v2fs/internal/store"
	"github.com/verifiabledb/v2fs/internal/vfs"
)

// Re-exported core types.
type (
	// Config parameterizes the verifiable backend.
	Config = vfs.Config

	// OptLevel selects the caching layers.
	OptLevel = vfs.OptLevel

	// Backend is the client-side verifiable page-fetch engine.
	Backend = vfs.Backend

	// Options is the query-driver configuration surface.
	Options = query.Options

	// Result is the structured per-query record.
	Result = query.Result

	// Driver runs workloads over a verifiable backend.
	Driver = query.Driver

	// MerkleStore is the capability set of a remote MHT store.
	MerkleStore = store.MerkleStore
)

// Optimization levels.
const (
	OptNone     = vfs.OptNone
	OptIntra    = vfs.OptIntra
	OptInter    = vfs.OptInter
	OptInterVBF = vfs.OptInterVBF
)

// Dial connects to a remote MHT store.
func Dial(addr string, opts ...remote.Option) (*remote.Client, error) {
	return remote.Dial(addr, opts...)
}

// NewBackend bootstraps a verifiable backend against a store.
func NewBackend(ctx context.Context, st store.MerkleStore, cfg Config) (*Backend, error) {
	return vfs.NewBackend(ctx, st, cfg)
}

// NewSQLiteEngine mounts the backend under the embedded SQL engine.
func NewSQLiteEngine(backend *Backend, dbName string) (*query.SQLiteEngine, error) {
	return query.NewSQLiteEngine(backend, dbName)
}

// NewDriver assembles a workload driver.
func NewDriver(backend *Backend, engine query.Engine, opts Options) (*Driver, error) {
	return query.NewDriver(backend, engine, opts)
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return query.DefaultOptions()
}

// BuildADS constructs and persists the Merkle ADS for a database file.
func BuildADS(dbPath, adsDir string, vbfBits, vbfHashes int) (*store.FileStore, error) {
	return store.BuildADS(dbPath, adsDir, vbfBits, vbfHashes)
}

// OpenFileStore opens a previously built ADS for serving.
func OpenFileStore(dbPath, adsDir string) (*store.FileStore, error) {
	return store.OpenFileStore(dbPath, adsDir)
}
