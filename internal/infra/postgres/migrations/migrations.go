package migrations

import (
	_ "embed"

	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_content_units.sql
var createContentUnitsSQL string

//go:embed 0002_create_match_archive.sql
var createMatchArchiveSQL string

var Migrations = migrate.NewMigrations()
