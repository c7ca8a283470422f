package note

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// ErrMalformedField is returned when a value is not a canonical field
// element: wrong length, bad hex, or >= the curve order.
var ErrMalformedField = errors.New("malformed field element")

// ElementSize is the byte length of a serialized field element.
const ElementSize = 32

// Element is a canonical scalar field element, big-endian encoded. The
// circuit and the settlement backend agree on this encoding, so every
// 32-byte value on the wire (commitments, nullifiers, note fields) is an
// Element.
type Element [ElementSize]byte

// Zero is the all-zero element, used for padding slots.
var Zero Element

// ElementFromBytes parses a 32-byte big-endian field element. Fails with
// ErrMalformedField if b has the wrong length or is not reduced.
func ElementFromBytes(b []byte) (Element, error) {
	var e Element
	if len(b) != ElementSize {
		return e, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedField, len(b), ElementSize)
	}
	var fe fr.Element
	if err := fe.SetBytesCanonical(b); err != nil {
		return e, fmt.Errorf("%w: value exceeds field modulus", ErrMalformedField)
	}
	copy(e[:], b)
	return e, nil
}

// ElementFromHex parses a 64-character hex string into an Element.
func ElementFromHex(s string) (Element, error) {
	var e Element
	if len(s) != 2*ElementSize {
		return e, fmt.Errorf("%w: got %d hex chars, want %d", ErrMalformedField, len(s), 2*ElementSize)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("%w: %s", ErrMalformedField, err)
	}
	return ElementFromBytes(b)
}

// ElementFromUint64 encodes v as a field element.
func ElementFromUint64(v uint64) Element {
	var fe fr.Element
	fe.SetUint64(v)
	return Element(fe.Bytes())
}

// RandomElement samples a uniformly random field element using crypto/rand.
func RandomElement() (Element, error) {
	var fe fr.Element
	if _, err := fe.SetRandom(); err != nil {
		return Zero, err
	}
	return Element(fe.Bytes()), nil
}

// Hex returns the 64-character hex encoding.
func (e Element) Hex() string {
	return hex.EncodeToString(e[:])
}

// IsZero reports whether the element is zero.
func (e Element) IsZero() bool {
	return e == Zero
}

// Uint64 interprets the element as a small integer. Only valid for amounts,
// which the protocol keeps well below 2^64.
func (e Element) Uint64() uint64 {
	return new(big.Int).SetBytes(e[:]).Uint64()
}

// MarshalText implements encoding.TextMarshaler. Elements travel as hex in
// JSON payloads and stored records.
func (e Element) MarshalText() ([]byte, error) {
	return []byte(e.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Element) UnmarshalText(text []byte) error {
	parsed, err := ElementFromHex(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// HashMerge hashes a fixed sequence of field elements with the circuit's
// hash. The arity and order are part of the wire contract; callers must not
// reorder or pad inputs.
func HashMerge(elems ...Element) Element {
	h := mimc.NewMiMC()
	for _, e := range elems {
		// Elements are canonical by construction, Write cannot fail.
		h.Write(e[:])
	}
	var out Element
	copy(out[:], h.Sum(nil))
	return out
}
