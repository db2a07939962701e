package migrations

import "embed"

// FS lets goose list the registered migrations outside the source tree.
//
//go:embed 0*.go
var FS embed.FS
