// Package vm implements the pikevm bytecode interpreter.
//
// This package contains:
//   - Reference-counted value representation
//   - Program and object layout with inherited storage
//   - The evaluator, its operand stack and mark stack
//   - Function calls, lvalues and switch dispatch
//   - Error recovery and the safe-invoke entry points
package vm
