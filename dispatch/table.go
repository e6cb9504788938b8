package dispatch

import (
	"context"

	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/errors"
)

// ImportFunc handles one host-imported operation. The handler pops the
// declared arguments, does its work, and pushes the declared result
// shape. Handlers may block; the caller runs each import call on its
// own goroutine so concurrently issued imports make progress in
// parallel and each result is delivered only to its issuing call-site.
type ImportFunc func(ctx context.Context, cc *channel.CallContext) error

// Table is the operation lookup built once at engine construction. It
// is read-only after Seal and safe for concurrent use.
type Table struct {
	imports map[Op]ImportFunc
	sealed  bool
}

// NewTable returns an empty table ready for import bindings.
func NewTable() *Table {
	return &Table{imports: make(map[Op]ImportFunc)}
}

// BindImport registers the handler for an import operation. Binding a
// non-import operation, rebinding, or binding after Seal is an error.
func (t *Table) BindImport(op Op, fn ImportFunc) error {
	if t.sealed {
		return errors.Protocolf("bind %s on sealed table", op)
	}
	if !op.IsImport() {
		return errors.Protocolf("bind import handler for export operation %s", op)
	}
	if fn == nil {
		return errors.Protocolf("nil handler for %s", op)
	}
	if _, dup := t.imports[op]; dup {
		return errors.Protocolf("duplicate handler for %s", op)
	}
	t.imports[op] = fn
	return nil
}

// Seal freezes the table. Call after all imports are bound, before the
// first guest call.
func (t *Table) Seal() {
	t.sealed = true
}

// Bound reports whether a handler is registered for op. Optional
// imports (tracing) are skipped by the instance when unbound.
func (t *Table) Bound(op Op) bool {
	_, ok := t.imports[op]
	return ok
}

// CallImport dispatches one import invocation from the guest. The
// context carries the pushed arguments; on return it carries the
// results. Argument arity is validated against the declared signature
// before the handler runs.
func (t *Table) CallImport(ctx context.Context, op Op, cc *channel.CallContext) error {
	fn, ok := t.imports[op]
	if !ok {
		return errors.Protocolf("no handler bound for import %s", op)
	}

	sig, _ := SignatureOf(op)
	if d := cc.Depth(); d != sig.ParamArity() {
		return errors.Protocolf("import %s called with %d stack value(s), declared %d",
			op, d, sig.ParamArity())
	}

	if err := fn(ctx, cc); err != nil {
		return err
	}
	return cc.Violation()
}
