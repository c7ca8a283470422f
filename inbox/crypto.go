// Package inbox is the encrypted note channel: recipients are addressed by
// a one-way tag at the relay, payloads travel under ephemeral-key ECDH, and
// a polling consumer ingests incoming notes into the local store.
package inbox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"github.com/hyli-org/cachecash/note"
)

// ErrDecryptionFailed covers every decrypt failure: wrong key, corrupted
// ciphertext, undecodable plaintext. The cause is not distinguished to the
// caller; a record that fails is skipped, not diagnosed.
var ErrDecryptionFailed = errors.New("note decryption failed")

// DeriveRecipientTag maps a public key to the lookup tag used at the relay.
// The relay sees only tags, so it cannot associate stored notes with
// identities unless it already knows the public key.
func DeriveRecipientTag(pubkey note.Element) string {
	digest := sha3.Sum256(pubkey[:])
	return hex.EncodeToString(digest[:])
}

// Envelope is one encrypted message: the AEAD ciphertext (nonce-prefixed)
// and the x-coordinate of the sender's ephemeral public key. The ephemeral
// key is a curve artifact, not a circuit field element; it ranges over the
// full 32-byte space and must never be parsed as a canonical field value.
type Envelope struct {
	Ciphertext      []byte
	EphemeralPubKey [32]byte
}

// Encrypt seals payload to the recipient's public key under a fresh
// ephemeral keypair. The symmetric key is the hash of the ECDH shared
// secret between the ephemeral private key and the recipient key.
func Encrypt(recipientPub note.Element, payload []byte) (Envelope, error) {
	recipientKey, err := liftX([32]byte(recipientPub), secp256k1.PubKeyFormatCompressedEven)
	if err != nil {
		return Envelope{}, fmt.Errorf("recipient public key: %w", err)
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Envelope{}, err
	}

	aead, err := sealKey(secp256k1.GenerateSharedSecret(ephemeral, recipientKey))
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}
	ciphertext := aead.Seal(nonce, nonce, payload, nil)

	var ephX [32]byte
	copy(ephX[:], ephemeral.PubKey().SerializeCompressed()[1:])

	return Envelope{Ciphertext: ciphertext, EphemeralPubKey: ephX}, nil
}

// Decrypt opens an envelope with the recipient's private key. Only the
// x-coordinate of the ephemeral key travels, so both candidate points are
// tried; the wrong parity yields a shared secret that fails AEAD
// authentication, which disambiguates.
func Decrypt(privateKey note.Element, env Envelope) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(privateKey[:])

	for _, format := range []byte{
		secp256k1.PubKeyFormatCompressedEven,
		secp256k1.PubKeyFormatCompressedOdd,
	} {
		ephemeral, err := liftX(env.EphemeralPubKey, format)
		if err != nil {
			continue
		}
		aead, err := sealKey(secp256k1.GenerateSharedSecret(priv, ephemeral))
		if err != nil {
			continue
		}
		if len(env.Ciphertext) <= aead.NonceSize() {
			return nil, ErrDecryptionFailed
		}
		nonce, sealed := env.Ciphertext[:aead.NonceSize()], env.Ciphertext[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrDecryptionFailed
}

func liftX(x [32]byte, format byte) (*secp256k1.PublicKey, error) {
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, format)
	compressed = append(compressed, x[:]...)
	return secp256k1.ParsePubKey(compressed)
}

func sealKey(sharedSecret []byte) (cipher.AEAD, error) {
	key := sha3.Sum256(sharedSecret)
	return chacha20poly1305.New(key[:])
}
