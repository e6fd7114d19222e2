package hashchain_test

import (
	"testing"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/hashchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *hashchain.KeyRegistry {
	t.Helper()
	reg, err := hashchain.NewKeyRegistry([]contracts.AuditKey{
		{KID: "k0", Secret: []byte("secret-zero"), Active: true, CreatedAt: time.Now()},
	})
	require.NoError(t, err)
	return reg
}

func TestSignVerifyRoundTrip(t *testing.T) {
	chain := hashchain.New(newRegistry(t))

	hash, kid := chain.Sign("", []byte(`{"a":1}`))
	assert.Equal(t, "k0", kid)
	assert.Len(t, hash, 64)

	ok, err := chain.Verify("", []byte(`{"a":1}`), hash, kid)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = chain.Verify("", []byte(`{"a":2}`), hash, kid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignCoversPrevHash(t *testing.T) {
	chain := hashchain.New(newRegistry(t))
	h1, _ := chain.Sign("", []byte(`{}`))
	h2, _ := chain.Sign(h1, []byte(`{}`))
	assert.NotEqual(t, h1, h2)
}

func TestRotationSignsWithNewKeyVerifiesOld(t *testing.T) {
	reg := newRegistry(t)
	chain := hashchain.New(reg)

	oldHash, oldKID := chain.Sign("", []byte(`{"n":1}`))
	require.Equal(t, "k0", oldKID)

	require.NoError(t, reg.Rotate("k1", []byte("secret-one")))

	newHash, newKID := chain.Sign(oldHash, []byte(`{"n":2}`))
	assert.Equal(t, "k1", newKID)

	// Historical events still verify under their recorded kid.
	ok, err := chain.Verify("", []byte(`{"n":1}`), oldHash, "k0")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = chain.Verify(oldHash, []byte(`{"n":2}`), newHash, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRotateRejectsDuplicateKID(t *testing.T) {
	reg := newRegistry(t)
	assert.Error(t, reg.Rotate("k0", []byte("again")))
}

func TestUnknownKIDIsAnError(t *testing.T) {
	chain := hashchain.New(newRegistry(t))
	_, err := chain.Verify("", []byte(`{}`), "deadbeef", "missing-kid")
	assert.Error(t, err)
}

func TestNewKeyRegistryValidation(t *testing.T) {
	_, err := hashchain.NewKeyRegistry(nil)
	assert.Error(t, err, "empty registry")

	_, err = hashchain.NewKeyRegistry([]contracts.AuditKey{
		{KID: "a", Secret: []byte("x"), Active: true},
		{KID: "b", Secret: []byte("y"), Active: true},
	})
	assert.Error(t, err, "two active keys")

	_, err = hashchain.NewKeyRegistry([]contracts.AuditKey{
		{KID: "a", Secret: []byte("x")},
	})
	assert.Error(t, err, "no active key")
}

func TestParseKeysJSON(t *testing.T) {
	reg, err := hashchain.ParseKeysJSON(`[{"kid":"old","secret":"s1","active":false},{"kid":"new","secret":"s2","active":true}]`)
	require.NoError(t, err)
	assert.Equal(t, "new", reg.Active().KID)

	k, err := reg.Get("old")
	require.NoError(t, err)
	assert.Equal(t, []byte("s1"), k.Secret)
}

func TestFromSecretUsesK0(t *testing.T) {
	reg, err := hashchain.FromSecret("hunter2")
	require.NoError(t, err)
	assert.Equal(t, hashchain.DefaultKID, reg.Active().KID)
}
