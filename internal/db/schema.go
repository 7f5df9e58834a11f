package db

import _ "embed"

//go:generate go run github.com/sqlc-dev/sqlc/cmd/sqlc generate

//go:embed schema.sql
var Schema string
