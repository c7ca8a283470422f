package inbox

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyli-org/cachecash/key"
	"github.com/hyli-org/cachecash/note"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient, err := key.Derive("inbox-recipient")
	require.NoError(t, err)

	payload := []byte(`{"note":"hello"}`)

	env, err := Encrypt(recipient.PublicKey, payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, env.Ciphertext)
	assert.NotEqual(t, [32]byte{}, env.EphemeralPubKey)

	plaintext, err := Decrypt(recipient.PrivateKey, env)
	require.NoError(t, err)
	assert.Equal(t, payload, plaintext)
}

func TestEncryptFreshEphemeralPerMessage(t *testing.T) {
	recipient, err := key.Derive("inbox-ephemeral")
	require.NoError(t, err)

	a, err := Encrypt(recipient.PublicKey, []byte("x"))
	require.NoError(t, err)
	b, err := Encrypt(recipient.PublicKey, []byte("x"))
	require.NoError(t, err)

	assert.NotEqual(t, a.EphemeralPubKey, b.EphemeralPubKey)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptWrongKey(t *testing.T) {
	recipient, err := key.Derive("inbox-right")
	require.NoError(t, err)
	other, err := key.Derive("inbox-wrong")
	require.NoError(t, err)

	env, err := Encrypt(recipient.PublicKey, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(other.PrivateKey, env)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptCorruptedCiphertext(t *testing.T) {
	recipient, err := key.Derive("inbox-corrupt")
	require.NoError(t, err)

	env, err := Encrypt(recipient.PublicKey, []byte("secret"))
	require.NoError(t, err)
	env.Ciphertext[len(env.Ciphertext)-1] ^= 0xff

	_, err = Decrypt(recipient.PrivateKey, env)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Decrypt(recipient.PrivateKey, Envelope{
		Ciphertext:      []byte{1, 2},
		EphemeralPubKey: env.EphemeralPubKey,
	})
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	recipient, err := key.Derive("inbox-wire")
	require.NoError(t, err)

	// ephemeral x-coordinates range over the full 32-byte space, so the
	// wire codec must accept every draw, not just the canonical-field
	// subset
	for i := 0; i < 100; i++ {
		env, err := Encrypt(recipient.PublicKey, []byte("payload"))
		require.NoError(t, err)

		rec := Record{
			ID:               "wire",
			EncryptedPayload: base64.StdEncoding.EncodeToString(env.Ciphertext),
			EphemeralPubkey:  hex.EncodeToString(env.EphemeralPubKey[:]),
		}

		decoded, err := rec.Envelope()
		require.NoError(t, err)
		require.Equal(t, env, decoded)

		plaintext, err := Decrypt(recipient.PrivateKey, decoded)
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), plaintext)
	}
}

func TestEnvelopeWireRejectsBadKeyLength(t *testing.T) {
	rec := Record{
		EncryptedPayload: base64.StdEncoding.EncodeToString([]byte("x")),
		EphemeralPubkey:  "abcd",
	}
	_, err := rec.Envelope()
	assert.Error(t, err)
}

func TestDeriveRecipientTag(t *testing.T) {
	a, err := key.Derive("tag-a")
	require.NoError(t, err)
	b, err := key.Derive("tag-b")
	require.NoError(t, err)

	tagA := DeriveRecipientTag(a.PublicKey)
	assert.Equal(t, tagA, DeriveRecipientTag(a.PublicKey))
	assert.NotEqual(t, tagA, DeriveRecipientTag(b.PublicKey))
	assert.Len(t, tagA, 64)
	assert.NotContains(t, tagA, a.PublicKey.Hex())
}

func TestTagDoesNotRevealPubkey(t *testing.T) {
	p, err := key.Derive("tag-preimage")
	require.NoError(t, err)

	tag := DeriveRecipientTag(p.PublicKey)
	parsed, err := note.ElementFromHex(tag)
	if err == nil {
		assert.NotEqual(t, p.PublicKey, parsed)
	}
}
