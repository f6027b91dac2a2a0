package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundtrip(t *testing.T) {
	sealer, err := DeriveSealer([]byte("master key material"), []byte("session-1"), "share-at-rest")
	require.NoError(t, err)

	plaintext := []byte("pending share")
	sealed, err := sealer.Seal(plaintext, []byte("ad"))
	require.NoError(t, err)
	require.False(t, bytes.Contains(sealed, plaintext))

	opened, err := sealer.Open(sealed, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	_, err = sealer.Open(sealed, []byte("other ad"))
	require.Error(t, err)

	_, err = sealer.Open(sealed[:10], []byte("ad"))
	require.Error(t, err)
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	master := []byte("master")

	k1, err := DeriveKey(master, []byte("salt-a"), "info")
	require.NoError(t, err)
	k2, err := DeriveKey(master, []byte("salt-b"), "info")
	require.NoError(t, err)
	k3, err := DeriveKey(master, []byte("salt-a"), "other")
	require.NoError(t, err)
	again, err := DeriveKey(master, []byte("salt-a"), "info")
	require.NoError(t, err)

	require.Len(t, k1, 32)
	require.NotEqual(t, k1, k2)
	require.NotEqual(t, k1, k3)
	require.Equal(t, k1, again)

	sealer, err := NewSealer(k1)
	require.NoError(t, err)
	other, err := NewSealer(k2)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("data"), nil)
	require.NoError(t, err)
	_, err = other.Open(sealed, nil)
	require.Error(t, err)
}

func TestPassphraseKey(t *testing.T) {
	k1 := PassphraseKey([]byte("correct horse"), []byte("salt"))
	k2 := PassphraseKey([]byte("correct horse"), []byte("salt"))
	k3 := PassphraseKey([]byte("battery staple"), []byte("salt"))

	require.Len(t, k1, 32)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestSecretDestroy(t *testing.T) {
	buf := []byte("signing secret")
	s := interfaces.NewSecret(buf)
	require.Equal(t, 14, s.Len())
	require.False(t, s.Destroyed())

	s.Destroy()
	require.True(t, s.Destroyed())
	require.Equal(t, 0, s.Len())
	require.Equal(t, make([]byte, 14), buf)

	// idempotent, also on nil
	s.Destroy()
	var nilSecret *interfaces.Secret
	nilSecret.Destroy()
}
