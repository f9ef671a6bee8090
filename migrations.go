package vaultgate

import "embed"

// Migrations holds the goose migration files applied at startup.
//
//go:embed migrations/*.sql
var Migrations embed.FS
