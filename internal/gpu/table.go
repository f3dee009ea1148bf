package gpu

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/fxnlabs/cuwrap/internal/native"
)

// Routine is a resolved native routine descriptor. It is immutable.
type Routine struct {
	sig  Signature
	proc native.Proc
}

func (r *Routine) Name() string        { return r.sig.Name }
func (r *Routine) Symbol() string      { return r.sig.Symbol }
func (r *Routine) Returns() Convention { return r.sig.Returns }
func (r *Routine) String() string      { return r.sig.String() }

// Args returns a copy of the expected argument kinds, stream last.
func (r *Routine) Args() []ArgKind {
	return slices.Clone(r.sig.Args)
}

func (r *Routine) userArgs() []ArgKind {
	return r.sig.Args[:len(r.sig.Args)-1]
}

// Table maps logical routine names to resolved descriptors. It is built once
// when a context loads its module and never changes afterwards.
type Table struct {
	module   string
	routines map[string]*Routine
	missing  map[string]Signature
}

// buildTable looks up every signature's symbol in lib. Known routines the
// module does not export are recorded as missing; any other lookup failure or
// a malformed signature fails the build.
func buildTable(lib native.Library, sigs []Signature) (*Table, error) {
	t := &Table{
		module:   lib.Path(),
		routines: make(map[string]*Routine, len(sigs)),
		missing:  make(map[string]Signature),
	}
	for _, sig := range sigs {
		if err := sig.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.routines[sig.Name]; dup {
			return nil, fmt.Errorf("%w: routine %s declared twice", ErrInvalidArgument, sig.Name)
		}
		if _, dup := t.missing[sig.Name]; dup {
			return nil, fmt.Errorf("%w: routine %s declared twice", ErrInvalidArgument, sig.Name)
		}
		sig.Args = slices.Clone(sig.Args)
		proc, err := lib.Lookup(sig.Symbol)
		switch {
		case errors.Is(err, native.ErrSymbolNotFound):
			t.missing[sig.Name] = sig
			continue
		case err != nil:
			return nil, fmt.Errorf("gpu: look up %s: %w", sig.Symbol, err)
		}
		t.routines[sig.Name] = &Routine{sig: sig, proc: proc}
	}
	return t, nil
}

// Resolve returns the cached descriptor for name.
func (t *Table) Resolve(name string) (*Routine, error) {
	if t == nil {
		return nil, fmt.Errorf("gpu: routine %q: %w (no module loaded)", name, ErrRoutineNotFound)
	}
	if r, ok := t.routines[name]; ok {
		return r, nil
	}
	if sig, ok := t.missing[name]; ok {
		return nil, fmt.Errorf("gpu: routine %q: %w (%s does not export %s)", name, ErrRoutineNotFound, t.module, sig.Symbol)
	}
	return nil, fmt.Errorf("gpu: routine %q: %w", name, ErrRoutineNotFound)
}

// Available returns the names of resolved routines in sorted order.
func (t *Table) Available() []string {
	if t == nil {
		return nil
	}
	return sortedKeys(t.routines)
}

// Missing returns the names of declared routines the module does not export.
func (t *Table) Missing() []string {
	if t == nil {
		return nil
	}
	return sortedKeys(t.missing)
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routines)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
