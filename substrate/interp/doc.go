// Package interp is an in-process substrate backend. It runs a small
// scripting language with Python-shaped error reporting behind the
// same Instance interface as the wazero backend, so the engine, the
// pool, and sessions can be exercised without a compiled guest
// binary.
//
// The language has integer and string values, assignments, arithmetic
// with precedence, and a handful of builtins:
//
//	x = 6 * 7
//	print('answer', x)
//	body = invoke('fetch', '{"url": "https://example.com"}')
//	all = gather(invoke('a', '{}'), invoke('b', '{}'))
//	sleep(50)
//	spin()
//
// invoke routes through the engine's callback registry; gather
// evaluates its arguments concurrently; spin busy-loops until
// interrupted, which is how interruption and deadline behavior get
// tested. run-code executes asynchronously and reports completion
// through the call's guard; snapshot-state, restore-state, and
// clear-state complete inline.
package interp
