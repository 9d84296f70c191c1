package sealed

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher("k1", bytes.Repeat([]byte{7}, MasterKeySize))
	require.NoError(t, err)
	return c
}

func mustNonce(t *testing.T) Nonce {
	t.Helper()
	n, err := NewNonce()
	require.NoError(t, err)
	return n
}

func TestSealOpen(t *testing.T) {
	c := testCipher(t)
	nonce := mustNonce(t)

	ct, err := c.Seal("market:1", nonce, []byte("tally"))
	require.NoError(t, err)
	assert.Equal(t, nonce, ct.Nonce)
	assert.Equal(t, "k1", ct.KeyID)

	pt, err := c.Open("market:1", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("tally"), pt)
}

func TestOpenWrongOwner(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Seal("market:1", mustNonce(t), []byte("tally"))
	require.NoError(t, err)

	_, err = c.Open("market:2", ct)
	require.ErrorIs(t, err, ErrOpen)
}

func TestOpenTampered(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Seal("position:1:0xabc", mustNonce(t), []byte{1, 2, 3})
	require.NoError(t, err)

	ct.Data[0] ^= 0xff
	_, err = c.Open("position:1:0xabc", ct)
	require.ErrorIs(t, err, ErrOpen)
}

func TestOpenOtherKey(t *testing.T) {
	c := testCipher(t)
	other, err := NewCipher("k2", bytes.Repeat([]byte{9}, MasterKeySize))
	require.NoError(t, err)

	ct, err := c.Seal("market:1", mustNonce(t), []byte("x"))
	require.NoError(t, err)
	_, err = other.Open("market:1", ct)
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestReseal(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Seal("market:1", mustNonce(t), []byte("state"))
	require.NoError(t, err)

	next := mustNonce(t)
	re, err := c.Reseal("market:1", ct, next)
	require.NoError(t, err)
	assert.Equal(t, next, re.Nonce)
	assert.NotEqual(t, ct.Data, re.Data)

	pt, err := c.Open("market:1", re)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), pt)
}

func TestNewCipherKeyLength(t *testing.T) {
	_, err := NewCipher("k", []byte("short"))
	require.Error(t, err)
}

func TestCiphertextBinaryAndJSON(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Seal("market:1", mustNonce(t), []byte("payload"))
	require.NoError(t, err)

	raw, err := ct.MarshalBinary()
	require.NoError(t, err)
	var decoded Ciphertext
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, ct, decoded)

	js, err := json.Marshal(ct)
	require.NoError(t, err)
	assert.Contains(t, string(js), ct.Nonce.String())
	var fromJSON Ciphertext
	require.NoError(t, json.Unmarshal(js, &fromJSON))
	assert.Equal(t, ct, fromJSON)

	require.ErrorIs(t, decoded.UnmarshalBinary([]byte{0xff}), ErrMalformed)
}

func TestParseNonce(t *testing.T) {
	n := mustNonce(t)
	parsed, err := ParseNonce(n.String())
	require.NoError(t, err)
	assert.Equal(t, n, parsed)
	assert.False(t, n.IsZero())

	_, err = ParseNonce("abcd")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestSharedRoundTrip(t *testing.T) {
	cluster, err := DeriveKeyPair(bytes.Repeat([]byte{3}, MasterKeySize))
	require.NoError(t, err)
	again, err := DeriveKeyPair(bytes.Repeat([]byte{3}, MasterKeySize))
	require.NoError(t, err)
	assert.Equal(t, cluster.Public, again.Public)

	sc, err := SealShared(cluster.Public, []byte{1})
	require.NoError(t, err)

	raw, err := sc.MarshalBinary()
	require.NoError(t, err)
	var decoded SharedCiphertext
	require.NoError(t, decoded.UnmarshalBinary(raw))

	pt, err := OpenShared(cluster, decoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, pt)

	stranger, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = OpenShared(stranger, decoded)
	require.ErrorIs(t, err, ErrOpen)
}
