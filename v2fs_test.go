package v2fs

import (
	"context"
	"testing"

	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/store"
)

func TestFacade_VerifiedReadThroughPublicAPI(t *testing.T) {
	pages := make([][]byte, 4)
	for i := range pages {
		pages[i] = make([]byte, mht.DefaultPageSize)
		pages[i][0] = byte('a' + i)
	}
	ms, err := store.NewMemStore(pages, mht.DefaultPageSize, 1024, 3)
	if err != nil {
		t.Fatalf("mem store: %v", err)
	}

	ctx := context.Background()
	backend, err := NewBackend(ctx, ms, Config{CacheBytes: 1 << 20, Level: OptIntra})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	backend.BeginQuery(ctx)
	defer backend.EndQuery()

	f := backend.OpenFile("facade.db")
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 2*mht.DefaultPageSize); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 'c' {
		t.Fatalf("read %q, want %q", buf[0], byte('c'))
	}
	if got := backend.Counters().PagesFetched; got != 1 {
		t.Fatalf("pages_fetched = %d, want 1", got)
	}
}
