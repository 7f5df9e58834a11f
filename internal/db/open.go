package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/mattn/go-sqlite3"
)

const driverName = "tcpplus_sqlite3"

var registerOnce sync.Once

type OpenOptions struct {
	Params    map[string]string
	CacheSize int
}

func registerDriver(cacheSize int) {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(c *sqlite3.SQLiteConn) error {
				pragmas := fmt.Sprintf(`
					PRAGMA journal_mode = WAL;
					PRAGMA busy_timeout = 5000;
					PRAGMA synchronous = NORMAL;
					PRAGMA cache_size = -%d;
					PRAGMA temp_store = memory;
				`, cacheSize)
				_, err := c.Exec(pragmas, nil)
				return err
			},
		})
	})
}

// OpenReadWrite opens the journal at dbFile twice: a pooled handle for
// readers and a single connection handle for writers. The schema is applied
// through the writer before returning.
func OpenReadWrite(ctx context.Context, dbFile string, opts OpenOptions) (rdb *sql.DB, wdb *sql.DB, err error) {
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 16000
	}
	registerDriver(cacheSize)

	uri := &url.URL{
		Scheme: "file",
		Opaque: dbFile,
	}
	query := uri.Query()
	for k, v := range opts.Params {
		query.Set(k, v)
	}
	query.Set("_txlock", "immediate")
	uri.RawQuery = query.Encode()

	readConn, err := sql.Open(driverName, uri.String())
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			readConn.Close()
		}
	}()
	readConn.SetMaxOpenConns(max(4, runtime.NumCPU()))

	writeConn, err := sql.Open(driverName, uri.String())
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			writeConn.Close()
		}
	}()
	writeConn.SetMaxOpenConns(1)

	if _, err = writeConn.ExecContext(ctx, Schema); err != nil {
		return nil, nil, fmt.Errorf("init db: %w", err)
	}

	return readConn, writeConn, nil
}

// Version reports the version of the linked sqlite library.
func Version() string {
	v, _, _ := sqlite3.Version()
	return v
}
