package query

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/vfs/readervfs"

	"github.com/verifiabledb/v2fs/internal/vfs"
)

// SQLiteEngine is the embedded SQL engine with its page I/O mounted on
// the verifiable virtual file. The engine sees an ordinary immutable
// database; every page it touches has been proven against the trusted
// root before the bytes reach it.
type SQLiteEngine struct {
	db   *sql.DB
	name string
}

// NewSQLiteEngine registers the backend's virtual file under dbName with
// the engine's reader VFS and opens the database through it. The virtual
// file implements io.ReaderAt plus Size, which is all the reader VFS
// needs for an immutable read-only database.
func NewSQLiteEngine(backend *vfs.Backend, dbName string) (*SQLiteEngine, error) {
	readervfs.Create(dbName, backend.OpenFile(dbName))
	dsn := fmt.Sprintf("file:%s?vfs=reader&immutable=1", dbName)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		readervfs.Delete(dbName)
		return nil, fmt.Errorf("open virtual db: %w", err)
	}
	// One connection: the backend is accessed serially, one query at a
	// time.
	db.SetMaxOpenConns(1)
	return &SQLiteEngine{db: db, name: dbName}, nil
}

// Execute implements Engine: it runs one read-only statement and drains
// the rows, which pulls every needed page through the virtual file.
func (e *SQLiteEngine) Execute(ctx context.Context, sqlText string) error {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// Close shuts the engine down and unregisters the virtual file.
func (e *SQLiteEngine) Close() error {
	err := e.db.Close()
	readervfs.Delete(e.name)
	return err
}
