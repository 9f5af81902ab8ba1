// Package db holds the SQL migrations for the Postgres claim store.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
