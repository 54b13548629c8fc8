package cmn

import "fmt"

// Assert panics (with a stack dump via the runtime's default panic
// behavior) when cond is false. Reserved for invariant violations that
// indicate a programming error, never for recoverable request errors.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}
