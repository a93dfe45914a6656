package record

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

const (
	WorldStateVersion = 1
	worldBase         = "World"
)

var worldHeader = savefmt.Header{Kind: "world", Version: WorldStateVersion}

// Ref names a live object (a creature prototype, a race, a resource type) that a
// saved value points at. Refs are bound to live objects by Resolve.
type Ref struct {
	Kind string `json:"kind" msgpack:"kind"`
	Name string `json:"name" msgpack:"name"`
}

func (r Ref) String() string { return r.Kind + ":" + r.Name }

func (r Ref) IsZero() bool { return r.Kind == "" && r.Name == "" }

type Faction struct {
	Name      string             `json:"name" msgpack:"name"`
	Race      Ref                `json:"race" msgpack:"race"`
	Wealth    float64            `json:"wealth" msgpack:"wealth"`
	Relations map[string]float64 `json:"relations,omitempty" msgpack:"relations,omitempty"`
	Territory [][2]int           `json:"territory,omitempty" msgpack:"territory,omitempty"`
}

type Company struct {
	Name      string   `json:"name" msgpack:"name"`
	Motto     string   `json:"motto,omitempty" msgpack:"motto,omitempty"`
	Faction   string   `json:"faction" msgpack:"faction"`
	Funds     int64    `json:"funds" msgpack:"funds"`
	StockCash int64    `json:"stock_cash,omitempty" msgpack:"stock_cash,omitempty"`
	Employees []uint64 `json:"employees,omitempty" msgpack:"employees,omitempty"`
}

// EntityState is the non-spatial part of a creature or object; voxel data lives in chunks.
type EntityState struct {
	ID        uint64            `json:"id" msgpack:"id"`
	Prototype Ref               `json:"prototype" msgpack:"prototype"`
	Faction   string            `json:"faction,omitempty" msgpack:"faction,omitempty"`
	Position  [3]float64        `json:"position" msgpack:"position"`
	Health    float64           `json:"health" msgpack:"health"`
	Inventory []Ref             `json:"inventory,omitempty" msgpack:"inventory,omitempty"`
	Props     map[string]string `json:"props,omitempty" msgpack:"props,omitempty"`
}

// WorldState is the gameplay/economic snapshot of a save.
type WorldState struct {
	Tick      uint64        `json:"tick" msgpack:"tick"`
	Seed      int64         `json:"seed" msgpack:"seed"`
	Factions  []Faction     `json:"factions" msgpack:"factions"`
	Companies []Company     `json:"companies" msgpack:"companies"`
	Entities  []EntityState `json:"entities" msgpack:"entities"`

	bindings map[Ref]any
}

// Refs returns every distinct non-zero reference in the state, sorted.
func (ws *WorldState) Refs() []Ref {
	seen := map[Ref]struct{}{}
	add := func(r Ref) {
		if !r.IsZero() {
			seen[r] = struct{}{}
		}
	}
	for _, f := range ws.Factions {
		add(f.Race)
	}
	for _, e := range ws.Entities {
		add(e.Prototype)
		for _, it := range e.Inventory {
			add(it)
		}
	}
	return sortRefs(seen)
}

// Binding returns the live object a ref was resolved to.
func (ws *WorldState) Binding(r Ref) (any, bool) {
	v, ok := ws.bindings[r]
	return v, ok
}

func (ws *WorldState) Resolved() bool { return ws.bindings != nil }

// Resolve binds every reference through r. On failure no bindings are kept.
func (ws *WorldState) Resolve(r Resolver) error {
	refs := ws.Refs()
	bindings := make(map[Ref]any, len(refs))
	for _, ref := range refs {
		v, err := r.Resolve(ref)
		if err != nil {
			return errors.Wrapf(savefmt.ErrUnresolvedReference, "%s: %v", ref, err)
		}
		bindings[ref] = v
	}
	ws.bindings = bindings
	return nil
}

func WorldFileName(enc savefmt.Encoding) string { return worldBase + "." + enc.Ext() }

func WriteWorldState(dir string, ws *WorldState, enc savefmt.Encoding) error {
	path := filepath.Join(dir, WorldFileName(enc))
	if ws == nil {
		return savefmt.NewError("write world", path, savefmt.ErrMalformed, errors.New("nil world state"))
	}
	if err := savefmt.WriteFile(path, enc, worldHeader, ws); err != nil {
		return savefmt.NewError("write world", path, nil, err)
	}
	return nil
}

// DecodeWorldState is the structural parse only; no reference is resolved.
func DecodeWorldState(dir string, enc savefmt.Encoding) (*WorldState, error) {
	path := filepath.Join(dir, WorldFileName(enc))
	ws := &WorldState{}
	if err := savefmt.ReadFile(path, enc, worldHeader, ws); err != nil {
		return nil, savefmt.Classify("read world", path, savefmt.ErrMalformed, err)
	}
	return ws, nil
}

// ReadWorldState decodes and then resolves references through r. A nil r
// returns the structural state unresolved.
func ReadWorldState(dir string, enc savefmt.Encoding, r Resolver) (*WorldState, error) {
	ws, err := DecodeWorldState(dir, enc)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return ws, nil
	}
	if err := ws.Resolve(r); err != nil {
		return nil, savefmt.NewError("resolve world", filepath.Join(dir, WorldFileName(enc)), nil, err)
	}
	return ws, nil
}

// WorldStateEncodings reports which world files exist in dir.
func WorldStateEncodings(dir string) []savefmt.Encoding {
	var out []savefmt.Encoding
	for _, enc := range []savefmt.Encoding{savefmt.Plain, savefmt.Compressed} {
		if st, err := os.Stat(filepath.Join(dir, WorldFileName(enc))); err == nil && !st.IsDir() {
			out = append(out, enc)
		}
	}
	return out
}
