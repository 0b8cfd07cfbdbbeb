//go:build !windows

package coffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretFactory_NewAndWithBytes(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("hello, secret"))
	require.NoError(t, err)
	defer s.Close()

	err = s.WithBytes(func(b []byte) error {
		assert.Equal(t, "hello, secret", string(b))
		return nil
	})
	require.NoError(t, err)
}

func TestSecretFactory_CreateRandomDiffers(t *testing.T) {
	f := new(SecretFactory)

	a, err := f.CreateRandom(16)
	require.NoError(t, err)
	defer a.Close()

	b, err := f.CreateRandom(16)
	require.NoError(t, err)
	defer b.Close()

	var ab, bb []byte

	require.NoError(t, a.WithBytes(func(p []byte) error { ab = append([]byte(nil), p...); return nil }))
	require.NoError(t, b.WithBytes(func(p []byte) error { bb = append([]byte(nil), p...); return nil }))

	assert.NotEqual(t, ab, bb)
}

func TestSecret_CloseIsIdempotentAndBlocksUse(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("short-lived"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, s.IsClosed())
	assert.Error(t, s.WithBytes(func([]byte) error { return nil }))
}

func TestSecret_NewReaderReadsFullValue(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("read me fully"))
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 64)

	n, _ := s.NewReader().Read(buf)
	assert.Equal(t, "read me fully", string(buf[:n]))
}

func TestPurge_ClosesTrackedSecrets(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("will be purged"))
	require.NoError(t, err)

	Purge()

	assert.True(t, s.IsClosed())
}
