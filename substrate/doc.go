// Package substrate defines the isolation boundary the execution
// engine runs guest code behind. A Substrate creates Instances; an
// Instance runs export calls and routes guest-issued imports back
// through a dispatch table.
//
// Two backends ship with the module. The wazero backend executes a
// compiled WebAssembly guest with a hard memory ceiling and
// close-on-context interruption. The interp backend (package
// substrate/interp) runs a small in-process interpreter behind the
// same interface, useful for tests and for embedding without a
// compiled guest.
//
// Export calls are asynchronous at the interface: CallExport returns a
// nil Task when the call completed inline, or a Task whose Done
// channel closes when the guest signals completion. Either way the
// results are on the call's value stack when the call is done.
package substrate
