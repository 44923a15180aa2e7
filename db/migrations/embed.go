// Package dbmigrations exposes embedded SQL migrations for Conveyor binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Conveyor binaries.
//
//go:embed *.sql
var Files embed.FS
