package buffer

import (
	"runtime"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
)

func init() {
	securememory.RegisterPurger(Purge)
}

// registry tracks every live Buffer so that Purge can destroy them all at once, e.g. on process
// shutdown or in response to a termination signal. It holds a strong reference to each Buffer
// until Destroy removes it, so a Buffer that is dropped without Destroy stays registered, and its
// finalizer does not run, until Purge destroys it.
type registry struct {
	mu   sync.Mutex
	bufs map[*Buffer]struct{}
}

var globalRegistry = &registry{bufs: make(map[*Buffer]struct{})}

func (r *registry) add(b *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bufs[b] = struct{}{}
}

func (r *registry) remove(b *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bufs, b)
}

// purge destroys every buffer currently tracked by the registry.
func (r *registry) purge() {
	r.mu.Lock()
	bufs := make([]*Buffer, 0, len(r.bufs))

	for b := range r.bufs {
		bufs = append(bufs, b)
	}
	r.mu.Unlock()

	for _, b := range bufs {
		b.Destroy()
	}
}

// len reports how many buffers are currently tracked.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.bufs)
}

// Purge destroys every Buffer currently allocated by this package. It is intended for use in a
// signal handler (e.g. SIGINT/SIGTERM) to ensure sensitive memory is wiped before the process
// exits, and in tests that need a clean slate between runs.
func Purge() {
	globalRegistry.purge()
	runtime.GC()
}

// TrackedCount returns the number of Buffers currently tracked by the global registry. It is
// primarily useful for tests asserting that Destroy/finalization actually ran.
func TrackedCount() int {
	return globalRegistry.len()
}
