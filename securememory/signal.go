package securememory

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/godaddy/asherah/go/securememory/log"
)

// Purger is implemented by any package that tracks live secure allocations and can
// destroy all of them on demand. buffer.Purge and coffer.Purge satisfy this signature.
type Purger func()

var (
	purgersMu sync.Mutex
	purgers   []Purger

	signalOnce sync.Once
)

// RegisterPurger adds fn to the set of functions invoked by PurgeAll and by the signal
// handler installed via CatchInterrupt. Packages that maintain a registry of live secure
// allocations (buffer, coffer) call this from an init function.
func RegisterPurger(fn Purger) {
	purgersMu.Lock()
	defer purgersMu.Unlock()

	purgers = append(purgers, fn)
}

// PurgeAll invokes every registered Purger, destroying all live secure allocations
// across every package that registered one.
func PurgeAll() {
	purgersMu.Lock()
	fns := make([]Purger, len(purgers))
	copy(fns, purgers)
	purgersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// CatchInterrupt installs a handler for SIGINT and SIGTERM that purges all registered
// secure allocations and exits with status 1. It is safe to call more than once; only
// the first call installs the handler.
func CatchInterrupt() {
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

		go func() {
			sig := <-ch

			log.Debugf("securememory: caught %s, purging secure memory\n", sig)

			PurgeAll()

			os.Exit(1)
		}()
	})
}

// SafeExit purges all registered secure allocations, then calls os.Exit(code).
func SafeExit(code int) {
	PurgeAll()
	os.Exit(code)
}

// SafePanic purges all registered secure allocations, then panics with msg.
func SafePanic(msg string) {
	PurgeAll()
	panic(msg)
}
