// Package store defines the narrow capability set of the remote MHT store
// and provides its in-process implementations: a memory-backed store used
// in tests and a file-backed store used by the server. The networked
// client in internal/remote implements the same interface, so the
// verifiable backend never knows which one it is talking to.
package store

import (
	"context"

	"github.com/verifiabledb/v2fs/internal/mht"
)

// RootInfo is the authenticated commitment the client trusts: the root
// digest, the monotone version it belongs to, and the tree geometry the
// root commits to.
type RootInfo struct {
	Version  uint64
	Root     mht.Digest
	Pages    uint64
	PageSize int
}

// FetchResult bundles the raw pages, the proof blob covering them, and
// the version the pages belong to. Pages are in request order.
type FetchResult struct {
	Pages   [][]byte
	Proof   []byte
	Version uint64
}

// MerkleStore is the capability set a verifiable backend consumes.
type MerkleStore interface {
	// FetchPages returns the requested pages with a joint proof. The
	// sketch blob advertises node positions the client already holds;
	// the server omits those from the proof.
	FetchPages(ctx context.Context, version uint64, ids []mht.PageID, sketchBlob []byte) (*FetchResult, error)

	// GetRoot returns the current commitment. Used at bootstrap and
	// after an announced version change.
	GetRoot(ctx context.Context) (RootInfo, error)

	// GetVBFDelta returns the versioned-Bloom-filter blob describing
	// pages changed in (from, to].
	GetVBFDelta(ctx context.Context, from, to uint64) ([]byte, error)
}
