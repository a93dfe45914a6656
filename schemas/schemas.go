// Package schemas embeds the JSON schemas of the plain save files.
package schemas

import "embed"

const (
	Metadata = "metadata.schema.json"
	World    = "world.schema.json"
	Chunk    = "chunk.schema.json"
)

//go:embed *.schema.json
var FS embed.FS
