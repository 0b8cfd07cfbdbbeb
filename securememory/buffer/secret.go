package buffer

import (
	"io"

	"github.com/godaddy/asherah/go/securememory"
)

// secret adapts a Buffer to the securememory.Secret interface. The Buffer stays frozen
// (read-only) for the lifetime of the secret; callers needing mutation should use the
// Buffer API directly.
type secret struct {
	buf *Buffer
}

// WithBytes makes the underlying bytes readable and passes them to action.
func (s *secret) WithBytes(action func([]byte) error) error {
	return s.buf.WithData(action)
}

// WithBytesFunc makes the underlying bytes readable and passes them to action, returning
// whatever action returns.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	err = s.buf.WithData(func(b []byte) error {
		ret, err = action(b)
		return err
	})

	return ret, err
}

// IsClosed returns true if the underlying Buffer has already been destroyed.
func (s *secret) IsClosed() bool {
	return !s.buf.IsAlive()
}

// Close destroys the underlying Buffer and frees its memory.
func (s *secret) Close() error {
	s.buf.Destroy()
	return nil
}

// NewReader returns a new io.Reader capable of reading from s.
func (s *secret) NewReader() io.Reader {
	return s.buf.NewReader()
}

// SecretFactory creates guard-page, canary-verified Secret implementations backed by this
// package's Buffer. It is a drop-in replacement for other securememory.SecretFactory
// implementations such as memguard.SecretFactory or protectedmemory.SecretFactory.
type SecretFactory struct{}

// New takes in a byte slice and returns a Secret containing that data. The underlying array
// is wiped after the function returns.
func (f *SecretFactory) New(b []byte) (securememory.Secret, error) {
	buf, err := NewFromBytes(b)
	if err != nil {
		return nil, err
	}

	return &secret{buf: buf}, nil
}

// CreateRandom returns a Secret that contains a random byte slice of the specified size.
func (f *SecretFactory) CreateRandom(size int) (securememory.Secret, error) {
	buf, err := NewRandom(size)
	if err != nil {
		return nil, err
	}

	return &secret{buf: buf}, nil
}

var _ securememory.SecretFactory = (*SecretFactory)(nil)
var _ securememory.Secret = (*secret)(nil)
