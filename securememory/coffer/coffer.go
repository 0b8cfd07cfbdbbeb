// Package coffer implements a continuously re-keyed XOR split of a secret value, and an AEAD
// seal/open primitive (Enclave) built on top of it. Splitting the key across two independently
// guarded Buffers, and periodically re-randomizing the split without changing the logical value,
// shrinks the window during which any single memory region holds material useful on its own.
package coffer

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/crypto/blake2b"

	"github.com/godaddy/asherah/go/securememory/buffer"
	"github.com/godaddy/asherah/go/securememory/log"
)

// RekeyInterval is the default interval at which a Coffer re-randomizes its XOR split.
const RekeyInterval = 500 * time.Millisecond

// RekeyCounter tracks the cumulative number of rekey operations performed across all Coffers.
var RekeyCounter = metrics.GetOrRegisterCounter("secret.coffer.rekeys", nil)

type cofferError string

func (e cofferError) Error() string { return string(e) }

// ErrClosed is returned when an operation is attempted on a Coffer that has already been closed.
const ErrClosed cofferError = "coffer has already been closed"

// Coffer holds a secret value as the XOR of two independently guard-paged buffers ("left" and
// "right"), refreshing the split on a fixed interval. Coffer is safe for concurrent use.
//
// Lock ordering: Coffer's own mutex is always acquired before any operation that touches its
// buffers' state mutexes (WithData/WithDataMut/Destroy), never the reverse, so that a concurrent
// rekey and a concurrent View can never deadlock against each other.
type Coffer struct {
	mu    sync.Mutex
	left  *buffer.Buffer
	right *buffer.Buffer
	size  int

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	closed   bool
}

// New creates a Coffer holding key, split across two independently guarded buffers, with the
// invariant key == hash(right) XOR left (spec'd master_key = H(right) XOR left). key is wiped by
// this call. The returned Coffer rekeys itself every RekeyInterval until Close is called.
func New(key []byte) (*Coffer, error) {
	return NewWithInterval(key, RekeyInterval)
}

// NewWithInterval behaves like New but allows the caller to override the rekey interval. Tests
// use this to exercise the rekey loop without waiting on the production interval.
func NewWithInterval(key []byte, interval time.Duration) (*Coffer, error) {
	if len(key) == 0 {
		return nil, errors.New("coffer: key must not be empty")
	}

	right := make([]byte, len(key))
	if _, err := rand.Read(right); err != nil {
		return nil, errors.Wrap(err, "coffer: unable to generate random share")
	}

	h, err := hash(right, len(key))
	if err != nil {
		return nil, err
	}
	defer wipe(h)

	left := make([]byte, len(key))
	xor(left, key, h)

	leftBuf, err := buffer.NewFromBytes(left)
	if err != nil {
		return nil, err
	}

	rightBuf, err := buffer.NewFromBytes(right)
	if err != nil {
		leftBuf.Destroy()
		return nil, err
	}

	wipe(key)

	c := &Coffer{
		left:     leftBuf,
		right:    rightBuf,
		size:     len(key),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.rekeyLoop()

	return c, nil
}

// Size returns the length, in bytes, of the secret value held by the Coffer.
func (c *Coffer) Size() int {
	return c.size
}

// WithView reconstructs the secret value (master_key = hash(right) XOR left) into a guarded
// scratch Buffer for the duration of action, then destroys the scratch Buffer before returning.
// The Coffer's mutex is held for the duration of action, blocking any concurrent rekey. Unlike
// left and right, the reconstructed value held here is the secret itself rather than a share of
// it, so it is kept behind the same guard pages as any other live secret rather than in a plain
// heap slice.
func (c *Coffer) WithView(action func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WithStack(ErrClosed)
	}

	view, err := buffer.New(c.size)
	if err != nil {
		return err
	}
	defer view.Destroy()

	if err := view.WithDataMut(func(dst []byte) error {
		return c.right.WithData(func(r []byte) error {
			h, err := hash(r, c.size)
			if err != nil {
				return err
			}
			defer wipe(h)

			return c.left.WithData(func(l []byte) error {
				xor(dst, l, h)
				return nil
			})
		})
	}); err != nil {
		return err
	}

	return view.WithData(action)
}

// Rekey forces an immediate re-randomization of the XOR split without changing the logical
// secret value. It is called automatically on Coffer's rekey interval.
func (c *Coffer) Rekey() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rekey()
}

func (c *Coffer) rekey() error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}

	newRight := make([]byte, c.size)
	if _, err := rand.Read(newRight); err != nil {
		return errors.Wrap(err, "coffer: unable to generate random share")
	}
	defer wipe(newRight)

	hNew, err := hash(newRight, c.size)
	if err != nil {
		return err
	}
	defer wipe(hNew)

	newLeft := make([]byte, c.size)
	defer wipe(newLeft)

	// Both shares are stored frozen; open them for the rotation and refreeze afterwards.
	if err := c.left.Melt(); err != nil {
		return err
	}
	defer c.left.Freeze() //nolint:errcheck

	if err := c.right.Melt(); err != nil {
		return err
	}
	defer c.right.Freeze() //nolint:errcheck

	if err := c.left.WithDataMut(func(l []byte) error {
		return c.right.WithDataMut(func(r []byte) error {
			hOld, err := hash(r, c.size)
			if err != nil {
				return err
			}
			defer wipe(hOld)

			// newLeft = l XOR hash(r) XOR hash(newRight), preserving
			// master_key = hash(right) XOR left across the rotation without ever
			// reconstructing master_key itself.
			xor(newLeft, l, hOld)
			xor(newLeft, newLeft, hNew)

			copy(l, newLeft)
			copy(r, newRight)

			return nil
		})
	}); err != nil {
		return err
	}

	RekeyCounter.Inc(1)

	return nil
}

func (c *Coffer) rekeyLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Rekey(); err != nil {
				log.Debugf("coffer: rekey failed: %v", err)
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the rekey loop and destroys both underlying buffers. It is safe to call more than
// once.
func (c *Coffer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	c.left.Destroy()
	c.right.Destroy()

	return nil
}

func xor(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// hash returns a size-byte BLAKE2b digest of data. size must be between 1 and 64.
func hash(data []byte, size int) ([]byte, error) {
	h, err := blake2b.New(size, nil)
	if err != nil {
		return nil, errors.Wrap(err, "coffer: unable to create hash")
	}

	h.Write(data) //nolint:errcheck // hash.Hash's Write never returns an error

	return h.Sum(make([]byte, 0, size)), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
