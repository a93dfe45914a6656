package record

import (
	"sort"

	"github.com/pkg/errors"
)

// Resolver binds saved references to live-world objects during load.
type Resolver interface {
	Resolve(ref Ref) (any, error)
}

type ResolverFunc func(ref Ref) (any, error)

func (f ResolverFunc) Resolve(ref Ref) (any, error) { return f(ref) }

// RegistryResolver resolves from registries keyed by Ref.Kind, then Ref.Name.
type RegistryResolver map[string]map[string]any

func (rr RegistryResolver) Register(kind, name string, v any) {
	reg, ok := rr[kind]
	if !ok {
		reg = map[string]any{}
		rr[kind] = reg
	}
	reg[name] = v
}

func (rr RegistryResolver) Resolve(ref Ref) (any, error) {
	reg, ok := rr[ref.Kind]
	if !ok {
		return nil, errors.Errorf("no registry for kind %q", ref.Kind)
	}
	v, ok := reg[ref.Name]
	if !ok {
		return nil, errors.Errorf("%q not registered", ref.Name)
	}
	return v, nil
}

func sortRefs(set map[Ref]struct{}) []Ref {
	out := make([]Ref, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
