package db

import (
	"database/sql"

	"github.com/burrowdb/burrow/fts"
	"github.com/mattn/go-sqlite3"
)

// DriverName is the custom driver registered for every burrow handle.
// The connect hook replays the process-wide FTS registries onto each new
// engine connection.
const DriverName = "sqlite3_burrow"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return fts.Apply(conn)
		},
	})
}
