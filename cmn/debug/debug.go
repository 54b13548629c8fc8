// Package debug provides invariant checks gated on the runtime flag
// Enabled: while it is false (the default), Assert/Assertf/Infof return
// without checking or printing. This mirrors aistore's cmn/debug package, which the real store kernel
// (arenas, allocator, prefix tree) leans on heavily since its invariants
// are too expensive to check on every mutation in a production build.
package debug

import "fmt"

// Enabled turns the debug-mode checks on. It is a var
// (not a const) so that tests in this module can flip it without a
// separate build tag dance.
var Enabled = false

func Assert(cond bool) {
	if Enabled && !cond {
		panic("debug assertion failed")
	}
}

func Assertf(cond bool, format string, args ...interface{}) {
	if Enabled && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

func Infof(format string, args ...interface{}) {
	if Enabled {
		fmt.Printf(format+"\n", args...)
	}
}
