package coffer

import (
	"io"
	"runtime"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
)

// secret stores its plaintext sealed at rest under a process-wide Enclave, decrypting into a
// short-lived scratch buffer only for the duration of a WithBytes/WithBytesFunc call. This trades
// the guard-page approach of the buffer package for one where the resting representation is
// ciphertext rather than plaintext behind mprotect.
type secret struct {
	mu     sync.Mutex
	sealed []byte
	closed bool
}

func (s *secret) WithBytes(action func([]byte) error) error {
	_, err := s.withBytes(func(b []byte) ([]byte, error) {
		return nil, action(b)
	})

	return err
}

func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return s.withBytes(action)
}

func (s *secret) withBytes(action func([]byte) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}

	plaintext, err := sharedEnclave().Open(s.sealed)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	return action(plaintext)
}

func (s *secret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *secret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	wipe(s.sealed)
	s.sealed = nil

	removeTracked(s)

	return nil
}

func (s *secret) NewReader() io.Reader {
	return &secretReader{s: s}
}

type secretReader struct {
	s *secret
	i int
}

func (r *secretReader) Read(p []byte) (int, error) {
	n := 0

	err := r.s.WithBytes(func(b []byte) error {
		if r.i >= len(b) {
			return io.EOF
		}

		n = copy(p, b[r.i:])
		r.i += n

		return nil
	})

	return n, err
}

const errClosed cofferError = "coffer: secret has already been closed"

// SecretFactory creates securememory.Secret values backed by this package's Enclave, sealing
// plaintext at rest rather than guard-paging it. It is a drop-in replacement for other
// securememory.SecretFactory implementations such as buffer.SecretFactory or memguard.SecretFactory.
type SecretFactory struct{}

func (f *SecretFactory) New(b []byte) (securememory.Secret, error) {
	sealed, err := sharedEnclave().Seal(b)
	if err != nil {
		return nil, err
	}

	wipe(b)

	s := &secret{sealed: sealed}
	trackSecret(s)
	securememory.AllocCounter.Inc(1)
	securememory.InUseCounter.Inc(1)

	runtime.SetFinalizer(s, func(s *secret) { s.Close() })

	return s, nil
}

func (f *SecretFactory) CreateRandom(size int) (securememory.Secret, error) {
	b := make([]byte, size)
	if _, err := cryptoRandRead(b); err != nil {
		return nil, err
	}

	return f.New(b)
}

var _ securememory.SecretFactory = (*SecretFactory)(nil)
var _ securememory.Secret = (*secret)(nil)
