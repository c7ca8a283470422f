// Package wallet orchestrates the full client flow: key derivation, note
// custody, faucet intake, transfer execution and archive transfer.
package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/hyli-org/cachecash/archive"
	"github.com/hyli-org/cachecash/database"
	"github.com/hyli-org/cachecash/inbox"
	"github.com/hyli-org/cachecash/key"
	"github.com/hyli-org/cachecash/note"
	"github.com/hyli-org/cachecash/prover"
	"github.com/hyli-org/cachecash/settlement"
	"github.com/hyli-org/cachecash/transactions"
)

// ErrInvalidRecipient rejects a transfer to the zero address.
var ErrInvalidRecipient = errors.New("recipient public key must not be zero")

// ProgressFunc receives transfer stages in execution order. Nil is allowed.
type ProgressFunc func(transactions.Stage)

// Config wires a wallet's collaborators. Settlement, Relay and Prover may be
// nil in offline contexts; operations needing them fail explicitly.
type Config struct {
	Owner        string
	ContractName string
	DB           *database.DB
	Settlement   *settlement.Client
	Relay        *inbox.Relay
	Prover       *prover.Prover
	Log          zerolog.Logger
}

// Wallet is the per-player session object. All note state flows through the
// store; the wallet itself is stateless apart from derived keys.
type Wallet struct {
	owner        string
	contractName string
	keys         key.Pair

	db         *database.DB
	settlement *settlement.Client
	relay      *inbox.Relay
	prover     *prover.Prover
	log        zerolog.Logger
}

// New derives the owner's keys and builds a session.
func New(cfg Config) (*Wallet, error) {
	keys, err := key.Derive(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("deriving keys for owner: %w", err)
	}
	if cfg.DB == nil {
		return nil, errors.New("wallet requires a note store")
	}
	return &Wallet{
		owner:        key.Normalize(cfg.Owner),
		contractName: cfg.ContractName,
		keys:         keys,
		db:           cfg.DB,
		settlement:   cfg.Settlement,
		relay:        cfg.Relay,
		prover:       cfg.Prover,
		log:          cfg.Log.With().Str("component", "wallet").Str("owner", key.Normalize(cfg.Owner)).Logger(),
	}, nil
}

// Owner returns the normalized session owner.
func (w *Wallet) Owner() string { return w.owner }

// Keys returns the owner's derived keypair.
func (w *Wallet) Keys() key.Pair { return w.keys }

// Identity is the settlement-facing identity string for this session.
func (w *Wallet) Identity() string {
	return w.owner + "@" + w.contractName
}

// Notes lists every stored note, newest first.
func (w *Wallet) Notes() []database.StoredNote {
	return w.db.List(w.owner)
}

// Spendable returns notes not reserved by a pending transfer, as selection
// candidates.
func (w *Wallet) Spendable() []transactions.Candidate {
	pending := w.db.PendingHashes(w.owner)

	var candidates []transactions.Candidate
	for _, stored := range w.db.List(w.owner) {
		if _, reserved := pending[stored.TxHash]; reserved {
			continue
		}
		if stored.Note.IsPadding() {
			continue
		}
		candidates = append(candidates, transactions.Candidate{
			TxHash: stored.TxHash,
			Note:   stored.Note,
		})
	}
	return candidates
}

// Balance sums the spendable notes. Notes locked by in-flight transfers do
// not count until their reservation clears or expires.
func (w *Wallet) Balance() uint64 {
	var total uint64
	for _, c := range w.Spendable() {
		total += c.Note.Value.Uint64()
	}
	return total
}

// History lists transfer records, newest first.
func (w *Wallet) History() []database.TxRecord {
	return w.db.History(w.owner)
}

// Subscribe registers a listener for note store changes of this owner.
func (w *Wallet) Subscribe(listener func()) func() {
	return w.db.Subscribe(w.owner, listener)
}

// RequestFaucet asks the settlement backend to mint for this owner and
// ingests the minted note. A zero amount uses the backend default.
func (w *Wallet) RequestFaucet(ctx context.Context, amount uint64) (settlement.FaucetResponse, error) {
	if w.settlement == nil {
		return settlement.FaucetResponse{}, errors.New("no settlement backend configured")
	}

	resp, err := w.settlement.Faucet(ctx, w.owner, amount)
	if err != nil {
		return settlement.FaucetResponse{}, err
	}

	minted := resp.MintedNote()
	if minted.IsPadding() {
		w.log.Warn().Str("tx_hash", resp.TxHash).Msg("faucet returned no note")
		return resp, nil
	}

	w.db.Add(w.owner, database.StoredNote{
		Note:   minted,
		TxHash: resp.TxHash,
	})
	w.db.PutTxIn(w.owner, minted.Value.Uint64(), "faucet")
	return resp, nil
}

// Transfer runs the whole spend: select, reserve, build, prove, submit,
// notify. The pending reservation is released on every failure path before
// settlement; after settlement the spend is final and recipient notification
// is best-effort only.
func (w *Wallet) Transfer(ctx context.Context, recipient note.Element, amount uint64, onProgress ProgressFunc) (string, error) {
	if recipient.IsZero() {
		return "", ErrInvalidRecipient
	}
	if w.settlement == nil || w.prover == nil {
		return "", errors.New("transfer requires settlement backend and prover")
	}
	report := func(stage transactions.Stage) {
		if onProgress != nil {
			onProgress(stage)
		}
	}

	report(transactions.StageSelectingNotes)
	sel, err := transactions.Select(w.Spendable(), amount)
	if err != nil {
		return "", err
	}
	if err := w.db.MarkPending(w.owner, sel.SpentHashes()); err != nil {
		return "", err
	}

	txHash, err := w.executeReserved(ctx, sel, recipient, amount, report)
	if err != nil {
		w.db.ClearPending(w.owner, sel.SpentHashes())
		return "", err
	}
	return txHash, nil
}

// executeReserved runs the stages after the pending reservation is taken.
// The caller releases the reservation on error; on success the spent notes
// are already gone from the store and the release is bookkeeping.
func (w *Wallet) executeReserved(ctx context.Context, sel transactions.Selection, recipient note.Element, amount uint64, report ProgressFunc) (string, error) {
	report(transactions.StageBuildingTransaction)
	tx, err := transactions.Build(sel, recipient, amount, w.keys)
	if err != nil {
		return "", err
	}

	report(transactions.StageInitializingProver)
	if err := w.prover.Init(ctx); err != nil {
		return "", fmt.Errorf("initializing prover: %w", err)
	}

	report(transactions.StageGeneratingProof)
	witness, err := prover.Assemble(tx, prover.KindSend, w.Identity(), "", w.contractName)
	if err != nil {
		return "", err
	}
	proof, err := w.prover.GenerateProof(ctx, witness)
	if err != nil {
		return "", err
	}

	report(transactions.StageSubmittingTransaction)
	resp, err := w.settlement.SubmitTransfer(ctx, w.Identity(), proof, tx.Outputs)
	if err != nil {
		return "", err
	}

	w.settle(tx, resp)

	report(transactions.StageNotifyingRecipient)
	w.notifyRecipient(ctx, recipient, tx.Outputs[0], resp.TxHash)

	w.db.ClearPending(w.owner, sel.SpentHashes())
	report(transactions.StageComplete)
	return resp.TxHash, nil
}

// settle rewrites the note list: spent notes out, change note in.
func (w *Wallet) settle(tx transactions.Transfer, resp settlement.TransferResponse) {
	spent := make(map[string]struct{}, len(tx.SpentHashes))
	for _, h := range tx.SpentHashes {
		spent[h] = struct{}{}
	}

	var remaining []database.StoredNote
	for _, stored := range w.db.List(w.owner) {
		if _, ok := spent[stored.TxHash]; ok {
			continue
		}
		remaining = append(remaining, stored)
	}

	change := tx.Outputs[1]
	if resp.ChangeNote != nil {
		change = *resp.ChangeNote
	}
	if !change.IsPadding() {
		remaining = append(remaining, database.StoredNote{
			Note:   change,
			TxHash: resp.TxHash,
		})
	}

	w.db.SetAll(w.owner, remaining)
	w.db.PutTxOut(w.owner, tx.Amount, inbox.DeriveRecipientTag(tx.Outputs[0].Address))
}

// notifyRecipient uploads the recipient's note to the relay. Failures are
// logged only: the spend has already settled and the recipient can recover
// the note out of band.
func (w *Wallet) notifyRecipient(ctx context.Context, recipient note.Element, out note.Note, txHash string) {
	if w.relay == nil {
		return
	}

	payload, err := inbox.EncodePayload(inbox.NotePayload{
		Note:   out,
		TxHash: txHash,
		From:   inbox.DeriveRecipientTag(w.keys.PublicKey),
	})
	if err != nil {
		w.log.Error().Err(err).Msg("encoding recipient payload")
		return
	}
	env, err := inbox.Encrypt(recipient, payload)
	if err != nil {
		w.log.Error().Err(err).Msg("encrypting recipient note")
		return
	}
	tag := inbox.DeriveRecipientTag(recipient)
	if _, err := w.relay.Upload(ctx, tag, env, inbox.DeriveRecipientTag(w.keys.PublicKey)); err != nil {
		w.log.Warn().Err(err).Str("tx_hash", txHash).Msg("recipient notification failed")
	}
}

// Export writes the owner's notes as a portable archive.
func (w *Wallet) Export(out io.Writer) error {
	return archive.Export(out, w.owner, w.db.List(w.owner))
}

// Import merges an archive into the store. The archive must belong to this
// owner.
func (w *Wallet) Import(data []byte) error {
	manifest, err := archive.ImportBytes(data, w.owner)
	if err != nil {
		return err
	}
	merged := archive.Merge(w.db.List(w.owner), manifest.Notes)
	w.db.SetAll(w.owner, merged)
	return nil
}

// ExportBytes is Export into memory.
func (w *Wallet) ExportBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := w.Export(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
