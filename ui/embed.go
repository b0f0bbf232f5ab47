// Package ui carries the embedded templates and static assets so the server
// binary is self-contained and tests run from any working directory.
package ui

import "embed"

//go:embed templates
var Templates embed.FS

//go:embed static
var Static embed.FS
