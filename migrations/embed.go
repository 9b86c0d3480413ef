// Package migrations embeds the SQL schema for each durable event log backend.
package migrations

import "embed"

// Postgres holds the golang-migrate files for the PostgreSQL log.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite holds the golang-migrate files for the embedded SQLite log.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
