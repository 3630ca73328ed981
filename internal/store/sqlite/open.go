package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO is mattn/go-sqlite3
	DriverCGO = "sqlite3"
	// DriverPure is modernc.org/sqlite
	DriverPure = "sqlite"
)

// Open opens a SQLite database file with the archive's pragmas applied.
// driver is DriverCGO (default) or DriverPure.
func Open(path, driver string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var dsn string
	switch driver {
	case DriverCGO:
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	case DriverPure:
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA cache_size = -32000",   // 32MB cache
		"PRAGMA temp_store = MEMORY",   // temp tables in memory
		"PRAGMA mmap_size = 268435456", // 256MB mmap
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	return db, nil
}
