package debug

import (
	"fmt"
	"runtime"
)

// Assert is for programmer errors only (impossible indices, broken
// constructor arguments). anything that can be caused by a remote peer must be
// reported as an error instead.
//
// NOTE: originally stolen from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}

	text := "assertion failed"
	if len(msg) == 1 {
		text = fmt.Sprintf("assertion failed(%s)", msg[0])
	}
	// include information about the assertion location. due to panic
	// recovery, this location is otherwise buried in the middle of the
	// panicking stack.
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}

// Assertf is Assert with a formatted message.
func Assertf(truth bool, format string, args ...any) {
	if truth {
		return
	}
	text := "assertion failed(" + fmt.Sprintf(format, args...) + ")"
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}
