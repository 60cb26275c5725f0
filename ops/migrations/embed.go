// Package migrations ships the schema and seed files inside the binaries.
package migrations

import "embed"

// SQL holds the numbered up/down migrations.
//
//go:embed sql/*.sql
var SQL embed.FS

// Seeds holds idempotent development data.
//
//go:embed seeds/*.sql
var Seeds embed.FS
