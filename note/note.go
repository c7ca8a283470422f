// Package note implements the value-record model shared with the external
// transfer circuit: notes, their commitments, and their spend nullifiers.
// The hash arity and field ordering here are a wire contract with the
// circuit; a mismatch produces proofs the settlement backend silently
// rejects.
package note

// KindTransfer is the format tag carried in the kind slot of every real
// note. The circuit distinguishes note layouts by this tag.
var KindTransfer = ElementFromUint64(2)

// Note is the atomic value record. A note with Value == 0 is a padding
// note: it fills an unused slot in the fixed 2-in/2-out transaction shape
// and is never spendable.
type Note struct {
	Kind     Element `json:"kind"`
	Contract Element `json:"contract"`
	Address  Element `json:"address"`
	Psi      Element `json:"psi"`
	Value    Element `json:"value"`
}

// New creates a note for the given owner with a freshly sampled psi.
func New(contract, address Element, value uint64) (Note, error) {
	psi, err := RandomElement()
	if err != nil {
		return Note{}, err
	}
	return NewWithPsi(contract, address, value, psi), nil
}

// NewWithPsi creates a note with an explicit psi. Callers are responsible
// for psi uniqueness; reuse links notes.
func NewWithPsi(contract, address Element, value uint64, psi Element) Note {
	return Note{
		Kind:     KindTransfer,
		Contract: contract,
		Address:  address,
		Psi:      psi,
		Value:    ElementFromUint64(value),
	}
}

// Padding returns the canonical all-zero padding note.
func Padding() Note {
	return Note{}
}

// IsPadding reports whether the note fills an empty slot.
func (n Note) IsPadding() bool {
	return n.Contract.IsZero() && n.Value.IsZero()
}

// Commitment binds the note's contents. Padding notes map to the zero
// commitment by convention, matching the circuit's handling of empty slots;
// they are short-circuited, not hashed.
func (n Note) Commitment() Element {
	if n.Value.IsZero() {
		return Zero
	}
	return HashMerge(n.Kind, n.Contract, n.Value, n.Address, n.Psi, Zero, Zero)
}

// Nullifier is the one-way spend tag for a note. It depends only on psi and
// the spender's secret key, never on value or address, so revealing it on
// spend does not leak the amount.
func Nullifier(psi, secretKey Element) Element {
	return HashMerge(psi, secretKey)
}

// InputNote pairs a note with the secret key able to spend it.
type InputNote struct {
	Note      Note    `json:"note"`
	SecretKey Element `json:"secret_key"`
}

// Nullifier returns the spend tag for this input. Padding inputs hash
// through like any other; the circuit expects the blob's nullifier slots to
// be filled unconditionally.
func (in InputNote) Nullifier() Element {
	return Nullifier(in.Note.Psi, in.SecretKey)
}
