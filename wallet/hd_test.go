package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(testMnemonic, "", "m/44'/60'/0'/0/%d")
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestDeriveIsDeterministic(t *testing.T) {
	r := testRegistry(t)

	first, err := r.Derive(0)
	require.NoError(t, err)
	defer first.Zero()
	// Published derivation vector for the all-abandon mnemonic.
	require.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", first.Address.Hex())
	require.Equal(t, "m/44'/60'/0'/0/0", first.Path)
	require.Equal(t, uint32(0), first.Index)

	again, err := r.Derive(0)
	require.NoError(t, err)
	defer again.Zero()
	require.Equal(t, first.Address, again.Address)

	next, err := r.Derive(1)
	require.NoError(t, err)
	defer next.Zero()
	require.NotEqual(t, first.Address, next.Address)
	require.Equal(t, "m/44'/60'/0'/0/1", next.Path)
}

func TestDeriveAfterCloseFails(t *testing.T) {
	r, err := NewRegistry(testMnemonic, "", "m/44'/60'/0'/0/%d")
	require.NoError(t, err)
	r.Close()

	_, err = r.Derive(0)
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestDeriveRejectsExhaustedIndex(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Derive(MaxDerivationIndex + 1)
	require.ErrorIs(t, err, ErrIndexExhausted)
}

func TestNewRegistryValidatesInputs(t *testing.T) {
	_, err := NewRegistry("not a mnemonic", "", "m/44'/60'/0'/0/%d")
	require.Error(t, err)

	_, err = NewRegistry(testMnemonic, "", "44'/60'/0'/0/%d")
	require.Error(t, err)

	_, err = NewRegistry(testMnemonic, "", "m/44'/60'/0'/0/7")
	require.Error(t, err)
}

func TestZeroWipesKeyMaterial(t *testing.T) {
	r := testRegistry(t)
	acct, err := r.Derive(3)
	require.NoError(t, err)
	require.NotEmpty(t, acct.PrivateKey)

	acct.Zero()
	require.Nil(t, acct.PrivateKey)
}

func TestKeyCipherRoundTrip(t *testing.T) {
	c, err := NewKeyCipher("deployment-secret")
	require.NoError(t, err)

	plain := []byte("0102030405060708")
	envelope, err := c.Seal(plain)
	require.NoError(t, err)
	require.NotContains(t, envelope, string(plain))

	opened, err := c.Open(envelope)
	require.NoError(t, err)
	require.Equal(t, plain, opened)

	// Nonces are random, so sealing twice never repeats the envelope.
	second, err := c.Seal(plain)
	require.NoError(t, err)
	require.NotEqual(t, envelope, second)
}

func TestKeyCipherRejectsTamperAndWrongSecret(t *testing.T) {
	c, err := NewKeyCipher("deployment-secret")
	require.NoError(t, err)
	envelope, err := c.Seal([]byte("key-material"))
	require.NoError(t, err)

	_, err = c.Open("not-base64!!!")
	require.Error(t, err)
	_, err = c.Open("AAAA")
	require.Error(t, err)

	other, err := NewKeyCipher("different-secret")
	require.NoError(t, err)
	_, err = other.Open(envelope)
	require.Error(t, err)

	_, err = NewKeyCipher("  ")
	require.Error(t, err)
}
