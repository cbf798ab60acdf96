package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger together with
// the goroutine name and stack before it is re-raised, so crashes in notification
// handlers still end up in the rotated log file.
func SafeGo(logger *log.Logger, name string, fn func()) {
	go func() {
		defer recoverAndLog(logger, name)
		fn()
	}()
}

// SafeGoWG is SafeGo with wg.Add(1) before launch and wg.Done() when fn returns.
func SafeGoWG(logger *log.Logger, wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverAndLog(logger, name)
		fn()
	}()
}

func recoverAndLog(logger *log.Logger, name string) {
	if r := recover(); r != nil {
		logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
		panic(r)
	}
}
