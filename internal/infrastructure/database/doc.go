// Package database provides SQLite persistence for the mapped cover service.
//
// It wraps database/sql with:
//   - Connection setup (WAL mode, busy timeout, foreign keys)
//   - Embedded schema migrations (see the migrations package)
//   - Health checks for startup verification
//
// The database stores cover configurations only. Device state is never
// persisted here: live state lives on the MQTT bus and history is out
// of scope for this service.
//
// # Usage
//
//	db, err := database.Open(database.Config{Path: "./data/mappedcover.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
