package ap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStore_GetOrCreatePersists(t *testing.T) {
	store := newTestStore(t)

	keys := NewKeyStore(store)
	first, err := keys.GetOrCreate("did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, first.RSA)
	require.NotEmpty(t, first.Ed25519Pub)

	// A fresh KeyStore over the same database loads the same keys.
	reloaded, err := NewKeyStore(store).GetOrCreate("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, first.RSA.D, reloaded.RSA.D)
	assert.Equal(t, first.Ed25519Pub, reloaded.Ed25519Pub)
}

func TestKeyStore_DistinctPerDID(t *testing.T) {
	keys := NewKeyStore(newTestStore(t))

	alice, err := keys.GetOrCreate("did:plc:alice")
	require.NoError(t, err)
	bob, err := keys.GetOrCreate("did:plc:bob")
	require.NoError(t, err)
	assert.NotEqual(t, alice.RSA.D, bob.RSA.D)
}

func TestKeySet_PublicPEM(t *testing.T) {
	keys := NewKeyStore(newTestStore(t))
	ks, err := keys.GetOrCreate("did:plc:alice")
	require.NoError(t, err)

	pemStr, err := ks.PublicPEM()
	require.NoError(t, err)
	assert.Contains(t, pemStr, "BEGIN PUBLIC KEY")

	pub, err := parsePublicKeyPEM(pemStr)
	assert.NoError(t, err)
	assert.Equal(t, ks.RSA.PublicKey.N, pub.N)
}

func TestKeySet_Ed25519JWK(t *testing.T) {
	keys := NewKeyStore(newTestStore(t))
	ks, err := keys.GetOrCreate("did:plc:alice")
	require.NoError(t, err)

	jwkMap, err := ks.Ed25519JWK()
	require.NoError(t, err)
	assert.Equal(t, "OKP", jwkMap["kty"])
	assert.Equal(t, "Ed25519", jwkMap["crv"])
	assert.NotEmpty(t, jwkMap["x"])
}

func TestKeyStore_RSAPrivate(t *testing.T) {
	keys := NewKeyStore(newTestStore(t))
	priv, err := keys.RSAPrivate("did:plc:alice")
	require.NoError(t, err)
	assert.NoError(t, priv.Validate())
}
