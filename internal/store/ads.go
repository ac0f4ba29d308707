package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"gopkg.in/yaml.v3"

	"github.com/verifiabledb/v2fs/internal/mht"
)

// ───────────────────────────────────────────────────────────────────────────
// ADS builder and persistence
// ───────────────────────────────────────────────────────────────────────────
//
// An ADS directory holds two files: meta.yml with the authenticated
// geometry, version counter, root, VBF parameters and change log, and
// nodes.bin, a flat record file mapping node IDs to hashes. The node
// record key is the fixed-width big-endian level ∥ index encoding.

const (
	metaFile  = "meta.yml"
	nodesFile = "nodes.bin"

	nodesMagic      = "V2FSADS1"
	nodeRecordSize  = 1 + 8 + mht.HashSize
	nodesHeaderSize = len(nodesMagic) + 8
)

type changeRecord struct {
	Page    uint32 `yaml:"page"`
	Version uint64 `yaml:"version"`
}

type adsMeta struct {
	PageSize  int            `yaml:"page_size"`
	Pages     uint64         `yaml:"pages"`
	Version   uint64         `yaml:"version"`
	Root      string         `yaml:"root"`
	VBFBits   int            `yaml:"vbf_bits"`
	VBFHashes int            `yaml:"vbf_hashes"`
	Changes   []changeRecord `yaml:"changes,omitempty"`
}

func (m adsMeta) root() mht.Digest {
	var d mht.Digest
	b, err := hex.DecodeString(m.Root)
	if err == nil && len(b) == mht.HashSize {
		copy(d[:], b)
	}
	return d
}

func (m adsMeta) changeLog() []change {
	out := make([]change, 0, len(m.Changes))
	for _, c := range m.Changes {
		out = append(out, change{page: mht.PageID(c.Page), version: c.Version})
	}
	return out
}

// BuildADS constructs the Merkle tree over an existing SQLite database
// file and writes the ADS directory. The file is probed through the SQL
// engine first, both to reject non-database input and to learn its page
// geometry. The new ADS starts at version 1.
func BuildADS(dbPath, adsDir string, vbfBits, vbfHashes int) (*FileStore, error) {
	pageSize, pageCount, err := probeGeometry(dbPath)
	if err != nil {
		return nil, err
	}
	pages, err := readAllPages(dbPath, pageSize)
	if err != nil {
		return nil, err
	}
	if uint64(len(pages)) < pageCount {
		return nil, fmt.Errorf("store: file has %d pages, header claims %d", len(pages), pageCount)
	}
	root, nodes, err := mht.Build(pageSliceSource(pages), uint64(len(pages)))
	if err != nil {
		return nil, err
	}
	meta := adsMeta{
		PageSize:  pageSize,
		Pages:     uint64(len(pages)),
		Version:   1,
		Root:      root.String(),
		VBFBits:   vbfBits,
		VBFHashes: vbfHashes,
	}
	if err := saveADS(adsDir, meta, nodes); err != nil {
		return nil, err
	}
	return OpenFileStore(dbPath, adsDir)
}

// probeGeometry asks the SQL engine for the file's page size and count.
func probeGeometry(dbPath string) (int, uint64, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return 0, 0, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	defer db.Close()
	var pageSize int
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, 0, fmt.Errorf("store: probe page_size: %w", err)
	}
	var pageCount uint64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, 0, fmt.Errorf("store: probe page_count: %w", err)
	}
	if pageSize <= 0 || pageCount == 0 {
		return 0, 0, fmt.Errorf("store: %s does not look like a database file", dbPath)
	}
	return pageSize, pageCount, nil
}

// saveADS writes meta.yml and nodes.bin atomically enough for a single
// writer: nodes first, meta last.
func saveADS(dir string, meta adsMeta, nodes mht.NodeMap) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("store: create ads dir: %w", err)
	}
	if err := writeNodes(filepath.Join(dir, nodesFile), nodes); err != nil {
		return err
	}
	buf, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), buf, 0644); err != nil {
		return fmt.Errorf("store: write meta: %w", err)
	}
	return nil
}

// loadADS reads an ADS directory back.
func loadADS(dir string) (adsMeta, mht.NodeMap, error) {
	var meta adsMeta
	buf, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, nil, fmt.Errorf("store: read meta: %w", err)
	}
	if err := yaml.Unmarshal(buf, &meta); err != nil {
		return meta, nil, fmt.Errorf("store: parse meta: %w", err)
	}
	nodes, err := readNodes(filepath.Join(dir, nodesFile))
	if err != nil {
		return meta, nil, err
	}
	return meta, nodes, nil
}

func writeNodes(path string, nodes mht.NodeMap) error {
	buf := make([]byte, nodesHeaderSize, nodesHeaderSize+len(nodes)*nodeRecordSize)
	copy(buf, nodesMagic)
	binary.BigEndian.PutUint64(buf[len(nodesMagic):], uint64(len(nodes)))
	var rec [nodeRecordSize]byte
	for id, h := range nodes {
		rec[0] = id.Level
		binary.BigEndian.PutUint64(rec[1:9], id.Index)
		copy(rec[9:], h[:])
		buf = append(buf, rec[:]...)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("store: write nodes: %w", err)
	}
	return nil
}

func readNodes(path string) (mht.NodeMap, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read nodes: %w", err)
	}
	if len(buf) < nodesHeaderSize || string(buf[:len(nodesMagic)]) != nodesMagic {
		return nil, fmt.Errorf("store: %s is not a node file", path)
	}
	count := binary.BigEndian.Uint64(buf[len(nodesMagic):nodesHeaderSize])
	if uint64(len(buf)-nodesHeaderSize) != count*nodeRecordSize {
		return nil, fmt.Errorf("store: node file length mismatch")
	}
	nodes := make(mht.NodeMap, count)
	off := nodesHeaderSize
	for i := uint64(0); i < count; i++ {
		var id mht.NodeID
		var h mht.Digest
		id.Level = buf[off]
		id.Index = binary.BigEndian.Uint64(buf[off+1 : off+9])
		copy(h[:], buf[off+9:off+9+mht.HashSize])
		nodes[id] = h
		off += nodeRecordSize
	}
	return nodes, nil
}
