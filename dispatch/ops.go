package dispatch

import (
	"go.bytecodealliance.org/wit"
)

// Op identifies one cross-boundary operation.
type Op uint8

const (
	// Exports: operations the guest instance exposes to the host.

	// OpRunCode runs one unit of guest code:
	// run-code(code: string) -> result<output, string>
	// where output is record { stdout: string, stderr: string }.
	OpRunCode Op = iota
	// OpSnapshotState serializes the guest's top-level namespace:
	// snapshot-state() -> result<list<u8>, string>
	OpSnapshotState
	// OpRestoreState replaces the namespace from a snapshot:
	// restore-state(data: list<u8>) -> result<_, string>
	OpRestoreState
	// OpClearState resets the namespace to builtins:
	// clear-state() -> result<_, string>
	OpClearState

	// Imports: operations the guest calls out to the host for.

	// OpInvoke runs a registered host callback:
	// invoke(name: string, args-json: string) -> result<string, string>
	OpInvoke
	// OpListCallbacks enumerates registered callbacks:
	// list-callbacks() -> list<record { name, description, schema-json }>
	OpListCallbacks
	// OpReportTrace delivers one guest trace event:
	// report-trace(lineno: u32, event-json: string, context-json: string)
	OpReportTrace

	opCount
)

var opNames = [opCount]string{
	OpRunCode:       "run-code",
	OpSnapshotState: "snapshot-state",
	OpRestoreState:  "restore-state",
	OpClearState:    "clear-state",
	OpInvoke:        "invoke",
	OpListCallbacks: "list-callbacks",
	OpReportTrace:   "report-trace",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown-op"
}

// IsExport reports whether op is a guest-exported operation.
func (op Op) IsExport() bool {
	return op <= OpClearState
}

// IsImport reports whether op is a host-imported operation.
func (op Op) IsImport() bool {
	return op >= OpInvoke && op < opCount
}

// Signature declares the WIT-level shape of an operation. Records and
// tuples are flattened onto the value stack field by field.
type Signature struct {
	Params  []wit.Type
	Results []wit.Type
}

// ParamArity returns the number of stack values the parameters occupy.
func (s Signature) ParamArity() int {
	return flatCount(s.Params)
}

func flatCount(types []wit.Type) int {
	n := 0
	for _, t := range types {
		n += flatCountOne(t)
	}
	return n
}

func flatCountOne(t wit.Type) int {
	td, ok := t.(*wit.TypeDef)
	if !ok {
		return 1
	}
	switch k := td.Kind.(type) {
	case *wit.Record:
		n := 0
		for _, f := range k.Fields {
			n += flatCountOne(f.Type)
		}
		return n
	case *wit.Tuple:
		return flatCount(k.Types)
	default:
		return 1
	}
}

var (
	byteListType = &wit.TypeDef{Kind: &wit.List{Type: wit.U8{}}}

	outputRecordType = &wit.TypeDef{Kind: &wit.Record{
		Fields: []wit.Field{
			{Name: "stdout", Type: wit.String{}},
			{Name: "stderr", Type: wit.String{}},
		},
	}}

	callbackRecordType = &wit.TypeDef{Kind: &wit.Record{
		Fields: []wit.Field{
			{Name: "name", Type: wit.String{}},
			{Name: "description", Type: wit.String{}},
			{Name: "schema-json", Type: wit.String{}},
		},
	}}
)

// signatures is the closed op -> signature mapping, built once.
var signatures = map[Op]Signature{
	OpRunCode: {
		Params:  []wit.Type{wit.String{}},
		Results: []wit.Type{&wit.TypeDef{Kind: &wit.Result{OK: outputRecordType, Err: wit.String{}}}},
	},
	OpSnapshotState: {
		Results: []wit.Type{&wit.TypeDef{Kind: &wit.Result{OK: byteListType, Err: wit.String{}}}},
	},
	OpRestoreState: {
		Params:  []wit.Type{byteListType},
		Results: []wit.Type{&wit.TypeDef{Kind: &wit.Result{Err: wit.String{}}}},
	},
	OpClearState: {
		Results: []wit.Type{&wit.TypeDef{Kind: &wit.Result{Err: wit.String{}}}},
	},
	OpInvoke: {
		Params:  []wit.Type{wit.String{}, wit.String{}},
		Results: []wit.Type{&wit.TypeDef{Kind: &wit.Result{OK: wit.String{}, Err: wit.String{}}}},
	},
	OpListCallbacks: {
		Results: []wit.Type{&wit.TypeDef{Kind: &wit.List{Type: callbackRecordType}}},
	},
	OpReportTrace: {
		Params: []wit.Type{wit.U32{}, wit.String{}, wit.String{}},
	},
}

// SignatureOf returns the declared signature for op.
func SignatureOf(op Op) (Signature, bool) {
	sig, ok := signatures[op]
	return sig, ok
}
