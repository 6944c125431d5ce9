// Package appfs embeds the files the binaries need at runtime.
package appfs

import "embed"

// FS holds the goose migrations ("migrations") and the message templates ("templates").
//go:embed migrations/*.sql templates/*.txt
var FS embed.FS
