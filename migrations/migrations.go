// Package migrations embeds the SQL schema migrations so both the service
// binary and the integration test suite apply the same schema via goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
