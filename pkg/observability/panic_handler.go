package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a panic with its stack and swallows it. It guards the
// background goroutines (the providers watcher, the sweep ticker) the same
// way the HTTP recovery middleware guards handlers: one crashing job must
// not take the login surface down with it.
//
//	go func() {
//		defer observability.RecoverPanic(logger, "pending session sweep")
//		...
//	}()
//
// The panic is not re-raised, so the goroutine ends quietly; whatever the
// job was mid-way through stays as it was.
func RecoverPanic(logger *Logger, job string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": r,
			"job":   job,
			"stack": string(debug.Stack()),
		}).Error("PANIC recovered in background job")
	}
}

// MustRecover turns a recovered panic value into an error, nil when there
// was none. It fences code that may panic on hostile input, like the
// assertion parser fed attacker-controlled XML:
//
//	defer func() {
//		if rerr := observability.MustRecover(recover()); rerr != nil {
//			err = rerr
//		}
//	}()
//
// The error carries the panic value only. Where the stack matters, use
// RecoverPanic and let it log.
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
