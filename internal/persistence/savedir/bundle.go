package savedir

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/chunkfile"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

// Bundle is everything one save holds. Chunk order carries no meaning.
type Bundle struct {
	Metadata   record.Metadata
	World      *record.WorldState
	Chunks     []chunkfile.Record
	Screenshot *Screenshot
}

// Source is the live world a save is captured from.
type Source interface {
	SaveMetadata() record.Metadata
	ChunkRecords() []chunkfile.Record
	SnapshotWorldState() *record.WorldState
}

// Capture builds a bundle from the live world.
func Capture(src Source) *Bundle {
	return &Bundle{
		Metadata: src.SaveMetadata(),
		World:    src.SnapshotWorldState(),
		Chunks:   src.ChunkRecords(),
	}
}

// ChunkIDs returns the bundle's chunk ids, sorted.
func (b *Bundle) ChunkIDs() []chunkfile.ID {
	ids := make([]chunkfile.ID, 0, len(b.Chunks))
	for _, c := range b.Chunks {
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Chunk finds a chunk by id.
func (b *Bundle) Chunk(id chunkfile.ID) (chunkfile.Record, bool) {
	for _, c := range b.Chunks {
		if c.ID == id {
			return c, true
		}
	}
	return chunkfile.Record{}, false
}

func checkUniqueIDs(chunks []chunkfile.Record) error {
	seen := make(map[chunkfile.ID]struct{}, len(chunks))
	for _, c := range chunks {
		if _, dup := seen[c.ID]; dup {
			return errors.Wrapf(savefmt.ErrDuplicateChunk, "chunk %s", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func sortChunks(chunks []chunkfile.Record) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID.Less(chunks[j].ID) })
}
