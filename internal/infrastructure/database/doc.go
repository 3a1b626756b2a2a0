// Package database provides SQLite connectivity for the MQTT bridge.
//
// This package manages:
//   - Database connection with WAL mode for crash-safe commits
//   - Schema migrations read from an fs.FS (see package migrations)
//   - Connection pool pinned to a single writer
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only. Each file pair is named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql and tables are STRICT.
package database
