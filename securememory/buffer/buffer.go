// Package buffer implements guard-paged, canary-verified secure buffers: each allocation is
// bracketed by no-access guard pages and a canary region so that linear buffer overflows and
// use-after-free accesses are caught rather than silently corrupting adjacent secrets.
package buffer

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/internal/memcall"
	"github.com/godaddy/asherah/go/securememory/log"
)

// AllocTimer is used to record the time taken to allocate a Buffer.
var AllocTimer = metrics.GetOrRegisterTimer("secret.buffer.alloctimer", nil)

// CorruptionCounter tracks how many buffers have failed canary verification on Destroy. It
// should remain at zero; any increase indicates a heap overflow clobbered a guarded allocation.
var CorruptionCounter = metrics.GetOrRegisterCounter("secret.buffer.corrupted", nil)

type bufferError string

func (e bufferError) Error() string { return string(e) }

const (
	// ErrClosed is returned when an operation is attempted on a Buffer that has already been destroyed.
	ErrClosed bufferError = "buffer has already been destroyed"
	// ErrFrozen is returned by WithDataMut when the buffer is currently read-only.
	ErrFrozen bufferError = "buffer is frozen (read-only)"
	// ErrInvalidArgument is returned for nonsensical construction arguments, e.g. a negative size.
	ErrInvalidArgument bufferError = "invalid argument"
)

// canary is a process-wide random pattern written into every guard region at allocation time
// and verified (with a constant-time comparison) on Destroy. A single shared pattern, rather
// than a per-buffer one, mirrors how memguard itself detects adjacent-allocation corruption.
var canary = generateCanary()

func generateCanary() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(errors.Wrap(err, "unable to generate canary"))
	}

	return b
}

// fillCanary repeats the process canary pattern to fill dst.
func fillCanary(dst []byte) {
	for i := range dst {
		dst[i] = canary[i%len(canary)]
	}
}

// canaryIntact reports whether every byte in region matches the expected repeating canary
// pattern, using a constant-time comparison so a corrupted buffer doesn't leak timing info
// about which byte diverged.
func canaryIntact(region []byte) bool {
	expected := make([]byte, len(region))
	fillCanary(expected)

	return subtle.ConstantTimeCompare(region, expected) == 1
}

var pageSize = os.Getpagesize()

// roundToPageSize rounds n up to the next multiple of the system page size.
func roundToPageSize(n int) int {
	rem := n % pageSize
	if rem == 0 {
		return n
	}

	return n + (pageSize - rem)
}

// state tracks a Buffer's current mprotect state.
type state int

const (
	stateMutable state = iota
	stateFrozen
	stateDestroyed
)

// Buffer is a contiguous region of memory, flanked on both sides by inaccessible guard pages,
// holding len(data) bytes of sensitive data at the tail end of an inner region otherwise filled
// with a verifiable canary pattern. Buffer is safe for concurrent use.
//
// Layout of the full allocation:
//
//	[ guard page | canary ... data | guard page ]
//	              \___ inner, page-aligned ___/
type Buffer struct {
	mu    sync.Mutex
	state state

	alloc      []byte // the full mmap'd region: pre-guard + inner + post-guard
	inner      []byte // the middle, page-aligned, mlock'd region
	data       []byte // the live secret, a suffix of inner
	dataOffset int    // offset of data within inner

	mc memcall.Interface

	// dummy carries the finalizer so that it doesn't keep the Buffer itself reachable.
	dummy *bool
}

// New allocates a new mutable Buffer of size n, zero-filled.
func New(n int) (*Buffer, error) {
	return newBuffer(n, memcall.Default)
}

// NewRandom allocates a new Buffer of size n filled with cryptographically random data. The
// returned Buffer is frozen (read-only) since random key material is rarely mutated in place.
func NewRandom(n int) (*Buffer, error) {
	b, err := newBuffer(n, memcall.Default)
	if err != nil {
		return nil, err
	}

	if err := b.melt(); err != nil {
		return nil, err
	}

	if _, err := rand.Read(b.data); err != nil {
		b.Destroy()
		return nil, errors.Wrap(err, "unable to generate random data")
	}

	if err := b.freeze(); err != nil {
		return nil, err
	}

	return b, nil
}

// NewFromBytes allocates a new frozen Buffer containing a copy of src. src is wiped after the
// copy so the caller is left holding no readable trace of the secret.
func NewFromBytes(src []byte) (*Buffer, error) {
	b, err := newBuffer(len(src), memcall.Default)
	if err != nil {
		return nil, err
	}

	if err := b.melt(); err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, b.data, src)
	wipe(src)

	if err := b.freeze(); err != nil {
		return nil, err
	}

	return b, nil
}

// NewFromReader reads exactly n bytes from r into a new frozen Buffer.
func NewFromReader(r io.Reader, n int) (*Buffer, error) {
	b, err := newBuffer(n, memcall.Default)
	if err != nil {
		return nil, err
	}

	if err := b.melt(); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, b.data); err != nil {
		b.Destroy()
		return nil, errors.Wrap(err, "unable to read data")
	}

	if err := b.freeze(); err != nil {
		return nil, err
	}

	return b, nil
}

// NewFromReaderUntil reads from r until delim is encountered (the delimiter itself is
// discarded) into a new frozen Buffer sized to exactly what was read.
func NewFromReaderUntil(r io.Reader, delim byte) (*Buffer, error) {
	var buf []byte

	one := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, one); err != nil {
			if err == io.EOF && len(buf) > 0 {
				break
			}

			return nil, errors.Wrap(err, "unable to read data")
		}

		if one[0] == delim {
			break
		}

		buf = append(buf, one[0])
	}

	b, err := NewFromBytes(buf)

	wipe(buf)

	return b, err
}

func newBuffer(n int, mc memcall.Interface) (*Buffer, error) {
	defer AllocTimer.UpdateSince(time.Now())

	if n < 1 {
		return nil, errors.WithStack(ErrInvalidArgument)
	}

	innerLen := roundToPageSize(n)
	allocLen := pageSize + innerLen + pageSize

	alloc, err := mc.Alloc(allocLen)
	if err != nil {
		return nil, err
	}

	inner := alloc[pageSize : pageSize+innerLen]
	preGuard := alloc[:pageSize]
	postGuard := alloc[pageSize+innerLen:]

	dataOffset := innerLen - n
	dataOffset -= dataOffset % 8 // align the start of the data region down to an 8-byte boundary

	data := inner[dataOffset : dataOffset+n]

	fillCanary(inner[:dataOffset])
	fillCanary(inner[dataOffset+n:])
	fillCanary(preGuard)
	fillCanary(postGuard)

	if err := mc.Lock(inner); err != nil {
		if err2 := mc.Free(alloc); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	if err := mc.Protect(preGuard, memcall.NoAccess()); err != nil {
		cleanup(mc, alloc, inner)
		return nil, err
	}

	if err := mc.Protect(postGuard, memcall.NoAccess()); err != nil {
		cleanup(mc, alloc, inner)
		return nil, err
	}

	if err := mc.Protect(inner, memcall.ReadWrite()); err != nil {
		cleanup(mc, alloc, inner)
		return nil, err
	}

	b := &Buffer{
		state:      stateMutable,
		alloc:      alloc,
		inner:      inner,
		data:       data,
		dataOffset: dataOffset,
		mc:         mc,
		dummy:      new(bool),
	}

	runtime.SetFinalizer(b.dummy, func(_ *bool) {
		go b.finalize()
	})

	globalRegistry.add(b)
	securememoryAllocInc()

	return b, nil
}

func cleanup(mc memcall.Interface, alloc, inner []byte) {
	_ = mc.Unlock(inner)
	_ = mc.Free(alloc)
}

// Size returns the number of usable bytes held by the buffer.
func (b *Buffer) Size() int {
	return len(b.data)
}

// IsAlive reports whether the buffer has not yet been destroyed.
func (b *Buffer) IsAlive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state != stateDestroyed
}

// IsFrozen reports whether the buffer is currently read-only.
func (b *Buffer) IsFrozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == stateFrozen
}

// WithData invokes action with the buffer's data, readable in either the mutable or frozen
// state. The lock is held for the full duration of action, so this is also the point at which
// concurrent Destroy/Freeze/Melt calls will block until action returns.
func (b *Buffer) WithData(action func([]byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateDestroyed {
		return errors.WithStack(ErrClosed)
	}

	return action(b.data)
}

// WithDataMut invokes action with the buffer's data open for mutation. It fails with ErrFrozen
// if the buffer is currently frozen; callers must Melt() first. The buffer does not
// automatically refreeze after action returns.
func (b *Buffer) WithDataMut(action func([]byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateDestroyed {
		return errors.WithStack(ErrClosed)
	}

	if b.state == stateFrozen {
		return errors.WithStack(ErrFrozen)
	}

	return action(b.data)
}

// Freeze marks the buffer read-only. It is a no-op if the buffer is already frozen.
func (b *Buffer) Freeze() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.freeze()
}

func (b *Buffer) freeze() error {
	if b.state == stateDestroyed {
		return errors.WithStack(ErrClosed)
	}

	if b.state == stateFrozen {
		return nil
	}

	if err := b.mc.Protect(b.inner, memcall.ReadOnly()); err != nil {
		return errors.WithMessage(err, "unable to mark buffer read-only")
	}

	b.state = stateFrozen

	return nil
}

// Melt marks the buffer read-write. It is a no-op if the buffer is already mutable.
func (b *Buffer) Melt() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.melt()
}

func (b *Buffer) melt() error {
	if b.state == stateDestroyed {
		return errors.WithStack(ErrClosed)
	}

	if b.state == stateMutable {
		return nil
	}

	if err := b.mc.Protect(b.inner, memcall.ReadWrite()); err != nil {
		return errors.WithMessage(err, "unable to mark buffer read-write")
	}

	b.state = stateMutable

	return nil
}

// Destroy verifies the buffer's canary regions for corruption, wipes the entire allocation,
// unlocks and frees the underlying memory, and marks the buffer unusable. It is safe to call
// more than once; only the first call performs any work. Destroy panics if the canary has been
// tampered with, since that indicates an out-of-bounds write from elsewhere in the process and
// continuing to run with a corrupted heap is unsafe.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateDestroyed {
		return
	}

	if err := b.mc.Protect(b.alloc, memcall.ReadWrite()); err != nil {
		// We can't safely inspect or wipe the buffer if this fails; best effort free and bail.
		_ = b.mc.Free(b.alloc)
		b.state = stateDestroyed
		globalRegistry.remove(b)

		return
	}

	corrupted := !b.canaryIntact()

	wipe(b.alloc)

	if err := b.mc.Unlock(b.inner); err != nil {
		log.Debugf("buffer: unable to unlock memory on destroy: %v", err)
	}

	if err := b.mc.Free(b.alloc); err != nil {
		log.Debugf("buffer: unable to free memory on destroy: %v", err)
	}

	b.state = stateDestroyed
	b.alloc, b.inner, b.data = nil, nil, nil

	globalRegistry.remove(b)
	securememoryInUseDec()

	if corrupted {
		CorruptionCounter.Inc(1)
		panic(fmt.Sprintf("securememory/buffer: canary mismatch, memory corruption detected for buffer %p", b))
	}
}

// canaryIntact verifies every canary region still matches the expected pattern. Must be called
// with b.mu held and the allocation currently readable.
func (b *Buffer) canaryIntact() bool {
	prefix := b.inner[:b.dataOffset]
	suffix := b.inner[b.dataOffset+len(b.data):]

	preGuard := b.alloc[:pageSize]
	postGuard := b.alloc[len(b.alloc)-pageSize:]

	return canaryIntact(prefix) && canaryIntact(suffix) && canaryPrefixIntact(preGuard) && canaryPrefixIntact(postGuard)
}

// canaryPrefixIntact checks a guard page's leading canary-sized prefix. The whole guard page is
// filled with the pattern at construction time; only this prefix is verified.
func canaryPrefixIntact(guard []byte) bool {
	n := len(canary)
	if n > len(guard) {
		n = len(guard)
	}

	return canaryIntact(guard[:n])
}

func (b *Buffer) finalize() {
	if b.IsAlive() {
		log.Debugf("buffer finalized before Destroy was called: %p", b)
	}

	b.Destroy()
}

// NewReader returns an io.Reader over the buffer's current contents.
func (b *Buffer) NewReader() io.Reader {
	return &reader{b: b}
}

type reader struct {
	b *Buffer
	i int
}

func (r *reader) Read(p []byte) (n int, err error) {
	err = r.b.WithData(func(data []byte) error {
		if r.i >= len(data) {
			return io.EOF
		}

		n = copy(p, data[r.i:])
		r.i += n

		return nil
	})

	return n, err
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}

	runtime.KeepAlive(b)
}

func securememoryAllocInc() {
	securememory.AllocCounter.Inc(1)
	securememory.InUseCounter.Inc(1)
}

func securememoryInUseDec() {
	securememory.InUseCounter.Dec(1)
}
