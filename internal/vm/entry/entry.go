// Package entry models the runtime entries exposed to generated code: the
// immutable descriptor table built at startup, entry point resolution with
// optional simulator redirection, and the call sequences compiled routines
// use to invoke an entry.
package entry

import "fmt"

// CallKind distinguishes the calling conventions a redirected call can use
// under simulation.
type CallKind int

const (
	RuntimeCall CallKind = iota
	LeafRuntimeCall
	LeafFloatRuntimeCall
)

func (k CallKind) String() string {
	switch k {
	case RuntimeCall:
		return "RuntimeCall"
	case LeafRuntimeCall:
		return "LeafRuntimeCall"
	case LeafFloatRuntimeCall:
		return "LeafFloatRuntimeCall"
	default:
		return fmt.Sprintf("CallKind(%d)", int(k))
	}
}

// Redirected leaf calls pass their arguments in registers, which caps how
// many a leaf entry may take.
const (
	MaxLeafArguments      = 4
	MaxLeafFloatArguments = 2
)

// Entry describes one native function callable from generated code. Entries
// are built once at startup, registered in a Table, and never mutated
// afterwards, so they may be read concurrently without synchronization.
type Entry struct {
	name     string
	fn       uint64
	argCount int
	leaf     bool
	float    bool
	index    int
}

// Runtime describes a non-leaf entry. Non-leaf calls go through the shared
// runtime-call stub, which may reach a safepoint or re-enter managed code.
func Runtime(name string, fn uint64, argCount int) Entry {
	return Entry{name: name, fn: fn, argCount: argCount, index: -1}
}

// Leaf describes a leaf entry: the native function must not allocate,
// must not re-enter managed code and must not trigger a collection.
func Leaf(name string, fn uint64, argCount int) Entry {
	return Entry{name: name, fn: fn, argCount: argCount, leaf: true, index: -1}
}

// LeafFloat describes a leaf entry whose arguments and result follow the
// floating-point convention.
func LeafFloat(name string, fn uint64, argCount int) Entry {
	return Entry{name: name, fn: fn, argCount: argCount, leaf: true, float: true, index: -1}
}

func (e *Entry) Name() string       { return e.name }
func (e *Entry) Fn() uint64         { return e.fn }
func (e *Entry) ArgumentCount() int { return e.argCount }
func (e *Entry) IsLeaf() bool       { return e.leaf }
func (e *Entry) IsFloat() bool      { return e.float }

// Index returns the entry's position in its table, which doubles as its
// per-thread slot index. It panics for an entry never registered in a table.
func (e *Entry) Index() int {
	if e.index < 0 {
		panic(fmt.Sprintf("entry: %q was not registered in a table", e.name))
	}
	return e.index
}

// CallKind derives the redirection kind from the leaf/float tags.
func (e *Entry) CallKind() CallKind {
	switch {
	case e.leaf && e.float:
		return LeafFloatRuntimeCall
	case e.leaf:
		return LeafRuntimeCall
	default:
		return RuntimeCall
	}
}

// EntryPoint computes the effective address generated code should reach.
// Without a redirector this is the native function itself; under simulation
// it is a redirection handle that makes the simulator call back into the
// native implementation. Leaf entries re-check their argument budget here;
// a violation is a defect in the descriptor table and panics.
func (e *Entry) EntryPoint(redirector Redirector) uint64 {
	if redirector == nil {
		return e.fn
	}
	if e.leaf {
		checkLeafBudget(e.name, e.argCount, e.float)
	}
	return redirector.Redirect(e.fn, e.CallKind(), e.argCount)
}

func checkLeafBudget(name string, argCount int, float bool) {
	limit := MaxLeafArguments
	if float {
		limit = MaxLeafFloatArguments
	}
	if argCount < 0 || argCount > limit {
		panic(fmt.Sprintf("entry: leaf entry %q takes %d arguments, limit is %d",
			name, argCount, limit))
	}
}

// Redirector substitutes a simulation handle for a native entry address.
// The call kind and argument count tell the simulator how to marshal
// arguments when it later dispatches through the handle.
type Redirector interface {
	Redirect(fn uint64, kind CallKind, argCount int) uint64
}

// Resolver computes effective entry points. The redirection strategy is
// injected once, so simulated and native configurations share the same
// resolution path.
type Resolver struct {
	redirector Redirector
}

// NewResolver returns a resolver using the given redirection strategy.
// A nil redirector selects native resolution.
func NewResolver(redirector Redirector) *Resolver {
	return &Resolver{redirector: redirector}
}

// Resolve returns the effective entry point for e. Resolving the same entry
// repeatedly yields targets that invoke the same native implementation.
func (r *Resolver) Resolve(e *Entry) uint64 {
	return e.EntryPoint(r.redirector)
}

// Table is the process-wide set of runtime entries. It is populated once,
// before any code generation, and read-only afterwards.
type Table struct {
	entries []*Entry
	byName  map[string]*Entry
}

// NewTable registers the given entries, assigning each its slot index.
// A malformed entry is a defect in the caller's descriptor list and panics:
// empty or duplicate names, a zero function pointer, a negative argument
// count, a float tag without the leaf tag, or a leaf entry over its
// argument budget.
func NewTable(entries ...Entry) *Table {
	t := &Table{
		entries: make([]*Entry, 0, len(entries)),
		byName:  make(map[string]*Entry, len(entries)),
	}
	for _, def := range entries {
		e := def
		if e.name == "" {
			panic("entry: entry with empty name")
		}
		if e.fn == 0 {
			panic(fmt.Sprintf("entry: %q has no function pointer", e.name))
		}
		if e.argCount < 0 {
			panic(fmt.Sprintf("entry: %q has negative argument count", e.name))
		}
		if e.float && !e.leaf {
			panic(fmt.Sprintf("entry: %q is float but not leaf", e.name))
		}
		if e.leaf {
			checkLeafBudget(e.name, e.argCount, e.float)
		}
		if _, exists := t.byName[e.name]; exists {
			panic(fmt.Sprintf("entry: duplicate entry %q", e.name))
		}
		e.index = len(t.entries)
		t.entries = append(t.entries, &e)
		t.byName[e.name] = &e
	}
	return t
}

// Len returns the number of registered entries.
func (t *Table) Len() int { return len(t.entries) }

// At returns the entry with the given slot index.
func (t *Table) At(index int) *Entry {
	if index < 0 || index >= len(t.entries) {
		panic(fmt.Sprintf("entry: index %d out of range", index))
	}
	return t.entries[index]
}

// Lookup finds an entry by name.
func (t *Table) Lookup(name string) (*Entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// Entries returns the registered entries in slot order.
func (t *Table) Entries() []*Entry {
	return append([]*Entry(nil), t.entries...)
}

// EntryPoints resolves every entry in slot order, producing the values for a
// thread block's entry slots.
func (t *Table) EntryPoints(r *Resolver) []uint64 {
	points := make([]uint64, len(t.entries))
	for i, e := range t.entries {
		points[i] = r.Resolve(e)
	}
	return points
}
