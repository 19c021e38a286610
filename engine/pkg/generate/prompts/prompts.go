// Package prompts embeds the generator's prompt templates so the binary
// has no runtime file dependencies.
package prompts

import "embed"

//go:embed *.md
var FS embed.FS
