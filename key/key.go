// Package key derives wallet key material from a player label.
//
// Derivation is deterministic: the same label always yields the same keys.
// There is no entropy beyond the label itself and therefore no forward
// secrecy; anyone who learns the label owns the funds. This matches the
// settlement backend, which performs the identical derivation server-side.
package key

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"

	"github.com/hyli-org/cachecash/note"
)

// ErrEmptyLabel is returned when the label normalizes to an empty string.
var ErrEmptyLabel = errors.New("label must not be empty")

// Pair is a derived keypair. PublicKey is the x-coordinate of the secp256k1
// point for the private scalar; it doubles as the note address the circuit
// checks and as the ECDH key the inbox encrypts to, so derivation retries
// until the coordinate is also a canonical field element.
type Pair struct {
	PrivateKey note.Element
	PublicKey  note.Element
}

// Normalize canonicalizes a player label: trim, case-fold, NFC. Storage
// namespaces and key derivation both go through this, so two spellings of
// the same label share one identity.
func Normalize(label string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(label)))
}

// Derive computes the deterministic keypair for a label.
//
// The private key is SHA3-256(label || counter), with the counter advanced
// until the digest is simultaneously a valid secp256k1 scalar and a
// canonical field element, and the resulting public x-coordinate is canonical
// too. The counter makes the loop deterministic across implementations.
func Derive(label string) (Pair, error) {
	normalized := Normalize(label)
	if normalized == "" {
		return Pair{}, ErrEmptyLabel
	}

	var counter uint32
	for {
		h := sha3.New256()
		h.Write([]byte(normalized))
		var counterBytes [4]byte
		binary.BigEndian.PutUint32(counterBytes[:], counter)
		h.Write(counterBytes[:])
		digest := h.Sum(nil)

		if pair, ok := tryDigest(digest); ok {
			return pair, nil
		}

		if counter == ^uint32(0) {
			return Pair{}, fmt.Errorf("key derivation exhausted for label %q", normalized)
		}
		counter++
	}
}

// tryDigest attempts to build a keypair from one candidate digest.
func tryDigest(digest []byte) (Pair, bool) {
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(digest)
	if overflow || scalar.IsZero() {
		return Pair{}, false
	}

	priv, err := note.ElementFromBytes(digest)
	if err != nil {
		return Pair{}, false
	}

	pubKey := secp256k1.NewPrivateKey(&scalar).PubKey()
	compressed := pubKey.SerializeCompressed()
	pub, err := note.ElementFromBytes(compressed[1:])
	if err != nil {
		return Pair{}, false
	}

	return Pair{PrivateKey: priv, PublicKey: pub}, true
}
