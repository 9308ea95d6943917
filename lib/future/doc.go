// Package future provides the result handles returned by every dPrim
// operation. A Future is resolved once and delivers its result on the
// exec.Context it is bound to, so callbacks of one resource never race each
// other. Blocking access is available through Await, which takes a
// context.Context for cancellation.
package future
