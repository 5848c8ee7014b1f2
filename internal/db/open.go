package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Open builds a Pool for the given driver ("sqlite" or "postgres"). For
// sqlite, path is the database file path; for postgres, path is ignored and
// dsn is used instead.
func Open(driver, path, dsn string, maxConns, minConns int) (*Pool, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		writer, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	case "postgres", "pgx":
		conn, err := OpenPostgres(dsn, maxConns, minConns)
		if err != nil {
			return nil, err
		}
		sdb := sqlx.NewDb(conn, "pgx")
		return NewPool(sdb, sdb), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
