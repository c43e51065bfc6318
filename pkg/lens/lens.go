// Package lens projects a fragment out of, and back into, a larger immutable
// composite value.
//
// A lens must satisfy two laws for every fragment f and composite c:
//
//	Get(Set(f, c)) == f
//	Set(f, c) leaves every other fragment of c untouched
//
// Composites are passed and returned by value, so Set never mutates its
// input. Fragments that hold maps or slices must be replaced, not edited.
package lens

// Lens focuses on a fragment F of a composite C.
type Lens[C any, F any] interface {
	Get(composite C) F
	Set(fragment F, composite C) C
}

type funcLens[C any, F any] struct {
	get func(C) F
	set func(F, C) C
}

func (l *funcLens[C, F]) Get(composite C) F {
	return l.get(composite)
}

func (l *funcLens[C, F]) Set(fragment F, composite C) C {
	return l.set(fragment, composite)
}

// New builds a lens from an accessor pair.
func New[C any, F any](get func(C) F, set func(F, C) C) Lens[C, F] {
	return &funcLens[C, F]{get: get, set: set}
}
