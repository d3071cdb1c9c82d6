package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger together with
// the goroutine name and stack before it is re-raised, so the crash is visible
// even when the terminal is owned by the dashboard.
// When wg is non-nil it is incremented before the goroutine starts and released when fn returns.
func SafeGo(logger *log.Logger, name string, wg *sync.WaitGroup, fn func()) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
