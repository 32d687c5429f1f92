// Package migrations embeds the notification-service schema for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

const Dir = "."
