package coffer

import (
	"crypto/rand"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
)

func init() {
	securememory.RegisterPurger(Purge)
}

var cryptoRandRead = rand.Read

var (
	enclaveMu sync.Mutex
	enclave   *Enclave
)

// sharedEnclave lazily constructs the process-wide Enclave used by SecretFactory to seal secrets
// at rest. Purge destroys it (zeroizing its Coffer's master key), so any secret sealed before a
// purge becomes permanently undecryptable; a fresh Enclave, with a fresh key, is constructed the
// next time sharedEnclave is called.
func sharedEnclave() *Enclave {
	enclaveMu.Lock()
	defer enclaveMu.Unlock()

	if enclave == nil {
		e, err := NewEnclave()
		if err != nil {
			panic("coffer: unable to initialize shared enclave: " + err.Error())
		}

		enclave = e
	}

	return enclave
}

var (
	trackedMu sync.Mutex
	tracked   = make(map[*secret]struct{})
)

func trackSecret(s *secret) {
	trackedMu.Lock()
	defer trackedMu.Unlock()

	tracked[s] = struct{}{}
}

func removeTracked(s *secret) {
	trackedMu.Lock()
	defer trackedMu.Unlock()

	delete(tracked, s)

	securememory.InUseCounter.Dec(1)
}

// Purge closes every secret currently tracked by this package's SecretFactory, then destroys the
// shared Enclave's Coffer, zeroizing its master key. Any sealed value not already unsealed at the
// time of the call becomes permanently undecryptable, matching the purge semantics of destroying
// the Coffer before exit. It is intended for use in a signal handler or test teardown.
func Purge() {
	trackedMu.Lock()
	secrets := make([]*secret, 0, len(tracked))

	for s := range tracked {
		secrets = append(secrets, s)
	}
	trackedMu.Unlock()

	for _, s := range secrets {
		s.Close()
	}

	enclaveMu.Lock()
	if enclave != nil {
		enclave.Close()
		enclave = nil
	}
	enclaveMu.Unlock()
}
