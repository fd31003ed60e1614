package migrations

import "embed"

// FS contains embedded SQLite migrations for racetrack storage.
//
//go:embed *.sql
var FS embed.FS
