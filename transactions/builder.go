package transactions

import (
	"errors"

	"github.com/hyli-org/cachecash/key"
	"github.com/hyli-org/cachecash/note"
)

// ErrMixedAssets rejects a selection whose inputs do not share the same
// contract and kind. A single transfer moves exactly one asset.
var ErrMixedAssets = errors.New("selected notes belong to different assets")

// Transfer is a fully assembled 2-in/2-out send: real inputs padded to two
// with zero notes, output 0 to the recipient, output 1 change or padding.
type Transfer struct {
	Inputs      [2]note.InputNote
	Outputs     [2]note.Note
	SpentHashes []string
	Amount      uint64
	Change      uint64
}

// Build turns a selection into a Transfer. Output 0 pays the recipient with
// a fresh psi, output 1 returns change to the sender or stays padding when
// the inputs match the amount exactly. The sender's secret key is attached
// to every real input for nullifier derivation.
func Build(sel Selection, recipient note.Element, amount uint64, sender key.Pair) (Transfer, error) {
	if amount == 0 {
		return Transfer{}, ErrInvalidAmount
	}
	if len(sel.SelectedNotes) == 0 || len(sel.SelectedNotes) > 2 {
		return Transfer{}, ErrInsufficientBalance
	}

	contract := sel.SelectedNotes[0].Note.Contract
	kind := sel.SelectedNotes[0].Note.Kind
	for _, c := range sel.SelectedNotes[1:] {
		if c.Note.Contract != contract || c.Note.Kind != kind {
			return Transfer{}, ErrMixedAssets
		}
	}

	var tx Transfer
	tx.Amount = amount
	tx.Change = sel.ChangeAmount
	tx.SpentHashes = sel.SpentHashes()

	for i := range tx.Inputs {
		if i < len(sel.SelectedNotes) {
			tx.Inputs[i] = note.InputNote{
				Note:      sel.SelectedNotes[i].Note,
				SecretKey: sender.PrivateKey,
			}
		} else {
			// padding slots carry the zero secret key, so their
			// nullifier is the universal H(0,0) and never links back
			// to the sender
			tx.Inputs[i] = note.InputNote{Note: note.Padding()}
		}
	}

	out, err := note.New(contract, recipient, amount)
	if err != nil {
		return Transfer{}, err
	}
	tx.Outputs[0] = out

	if sel.ChangeAmount > 0 {
		change, err := note.New(contract, sender.PublicKey, sel.ChangeAmount)
		if err != nil {
			return Transfer{}, err
		}
		tx.Outputs[1] = change
	} else {
		tx.Outputs[1] = note.Padding()
	}

	return tx, nil
}
