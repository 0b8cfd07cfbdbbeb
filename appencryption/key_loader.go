package appencryption

import "github.com/godaddy/asherah/go/appencryption/internal"

// keyLoader knows how to retrieve a CryptoKey from its backing store (metastore and/or KMS)
// when it isn't already present in a key cache.
type keyLoader interface {
	Load() (*internal.CryptoKey, error)
}

// keyLoaderFunc adapts a plain load function to the keyLoader interface.
type keyLoaderFunc func() (*internal.CryptoKey, error)

// Load implements keyLoader.
func (f keyLoaderFunc) Load() (*internal.CryptoKey, error) {
	return f()
}

// keyReloader is a keyLoader that can also validate a previously loaded key, allowing
// a cache to decide whether a fresh load is required even for an otherwise-fresh entry.
type keyReloader interface {
	keyLoader

	IsInvalid(key *internal.CryptoKey) bool
}
