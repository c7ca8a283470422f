// Package transactions picks spendable notes for a target amount and
// assembles the fixed 2-in/2-out transfer shape the circuit verifies.
package transactions

import (
	"errors"
	"sort"

	"github.com/hyli-org/cachecash/note"
)

var (
	// ErrInsufficientBalance means no single note and no pair of notes
	// reaches the target amount. The two-input cap is a protocol
	// constraint, so a balance spread across three small notes is still
	// insufficient for one transfer.
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")

	// ErrInvalidAmount rejects zero-value transfers before any selection
	// work happens.
	ErrInvalidAmount = errors.New("transfer amount must be positive")
)

// Candidate is a spendable note paired with its store identity.
type Candidate struct {
	TxHash string
	Note   note.Note
}

// Selection is the outcome of note selection: one or two inputs, the total
// they carry, and the change owed back to the sender.
type Selection struct {
	SelectedNotes []Candidate
	TotalInput    uint64
	ChangeAmount  uint64
}

// SpentHashes returns the store identities of the selected notes.
func (s Selection) SpentHashes() []string {
	hashes := make([]string, 0, len(s.SelectedNotes))
	for _, c := range s.SelectedNotes {
		hashes = append(hashes, c.TxHash)
	}
	return hashes
}

// Select chooses notes covering amount. Candidates are sorted ascending by
// value; the smallest single sufficient note wins, to minimise both change
// creation and value leakage. Failing that, the first ascending pair whose
// sum covers the amount is taken. Padding and zero-value notes are never
// spendable.
func Select(available []Candidate, amount uint64) (Selection, error) {
	if amount == 0 {
		return Selection{}, ErrInvalidAmount
	}

	spendable := make([]Candidate, 0, len(available))
	for _, c := range available {
		if !c.Note.IsPadding() && c.Note.Value.Uint64() > 0 {
			spendable = append(spendable, c)
		}
	}
	sort.SliceStable(spendable, func(i, j int) bool {
		return spendable[i].Note.Value.Uint64() < spendable[j].Note.Value.Uint64()
	})

	// smallest single note that suffices
	for _, c := range spendable {
		if c.Note.Value.Uint64() >= amount {
			return Selection{
				SelectedNotes: []Candidate{c},
				TotalInput:    c.Note.Value.Uint64(),
				ChangeAmount:  c.Note.Value.Uint64() - amount,
			}, nil
		}
	}

	// first ascending pair whose sum suffices
	for i := 0; i < len(spendable); i++ {
		for j := i + 1; j < len(spendable); j++ {
			total := spendable[i].Note.Value.Uint64() + spendable[j].Note.Value.Uint64()
			if total < spendable[i].Note.Value.Uint64() {
				// sum wrapped uint64; the change note could not
				// represent the difference, so the pair is unusable
				continue
			}
			if total >= amount {
				return Selection{
					SelectedNotes: []Candidate{spendable[i], spendable[j]},
					TotalInput:    total,
					ChangeAmount:  total - amount,
				}, nil
			}
		}
	}

	return Selection{}, ErrInsufficientBalance
}
