// Command v2fs-ads builds the authenticated data structure for a SQLite
// database file: the Merkle hash tree over its pages, persisted next to
// the version metadata so v2fs-server can host it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/verifiabledb/v2fs/internal/store"
	"github.com/verifiabledb/v2fs/internal/vbf"
)

var (
	flagDB   = flag.String("db", "", "Path to the SQLite database file to authenticate")
	flagOut  = flag.String("out", "", "ADS output directory")
	flagVBFM = flag.Int("vbf-m", vbf.DefaultBits, "Versioned Bloom filter cell count")
	flagVBFK = flag.Int("vbf-k", vbf.DefaultHashes, "Versioned Bloom filter hash count")
)

func main() {
	flag.Parse()
	if *flagDB == "" || *flagOut == "" {
		fmt.Fprintln(os.Stderr, "usage: v2fs-ads -db <file.db> -out <ads-dir>")
		os.Exit(2)
	}
	s, err := store.BuildADS(*flagDB, *flagOut, *flagVBFM, *flagVBFK)
	if err != nil {
		fmt.Fprintln(os.Stderr, "v2fs-ads:", err)
		os.Exit(1)
	}
	defer s.Close()
	version, root := s.Root()
	fmt.Printf("ads built: version=%d root=%s\n", version, root)
}
