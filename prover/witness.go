// Package prover assembles the witness map consumed by the external
// transfer circuit and drives proof generation through a proving backend.
// The witness layout is a versioned wire contract: field order, padding
// widths and the blob byte layout must match the circuit exactly, or the
// proof generates fine and the settlement backend rejects it without
// explanation.
package prover

import (
	"errors"
	"strings"

	"github.com/hyli-org/cachecash/note"
	"github.com/hyli-org/cachecash/transactions"
)

const (
	// BlobLength is the byte length of the public blob: two input
	// commitments followed by two nullifiers, 32 bytes each.
	BlobLength = 128

	identityWidth     = 256
	txHashWidth       = 64
	contractNameWidth = 256
)

var (
	// ErrFieldOverflow means a string field exceeds its fixed padded width.
	// Truncating would silently change the public inputs, so overflow is a
	// hard error.
	ErrFieldOverflow = errors.New("value exceeds padded field width")

	// ErrUnsupportedKind means a transaction kind other than Send was
	// requested through the transfer flow.
	ErrUnsupportedKind = errors.New("unsupported transaction kind")
)

// Kind tags the transaction's public effect in the witness message vector.
type Kind uint8

// KindSend is the only kind the transfer flow produces. Mint and burn are
// settlement-side operations.
const KindSend Kind = 1

// Witness mirrors the circuit's expected input map field for field.
type Witness struct {
	Version             uint32            `json:"version"`
	InitialStateLen     uint32            `json:"initial_state_len"`
	InitialState        [4]byte           `json:"initial_state"`
	NextStateLen        uint32            `json:"next_state_len"`
	NextState           [4]byte           `json:"next_state"`
	IdentityLen         uint8             `json:"identity_len"`
	Identity            string            `json:"identity"`
	TxHash              string            `json:"tx_hash"`
	Index               uint32            `json:"index"`
	BlobNumber          uint32            `json:"blob_number"`
	BlobIndex           uint32            `json:"blob_index"`
	BlobContractNameLen uint8             `json:"blob_contract_name_len"`
	BlobContractName    string            `json:"blob_contract_name"`
	BlobCapacity        uint32            `json:"blob_capacity"`
	BlobLen             uint32            `json:"blob_len"`
	Blob                []byte            `json:"blob"`
	TxBlobCount         uint32            `json:"tx_blob_count"`
	Success             bool              `json:"success"`
	InputNotes          [2]note.InputNote `json:"input_notes"`
	OutputNotes         [2]note.Note      `json:"output_notes"`
	Commitments         [4]note.Element   `json:"commitments"`
	Messages            [5]note.Element   `json:"messages"`
}

// Assemble builds the witness for a transfer. identity and txHash come from
// the settlement backend's blob registration; contractName is the deployed
// circuit contract the blob settles against.
func Assemble(tx transactions.Transfer, kind Kind, identity, txHash, contractName string) (Witness, error) {
	messages, err := messagesFor(kind)
	if err != nil {
		return Witness{}, err
	}

	// the length fields travel as single bytes, so a 256-character value
	// would fit its padded slot but wrap the length to zero
	if len(identity) > 255 || len(contractName) > 255 {
		return Witness{}, ErrFieldOverflow
	}

	paddedIdentity, err := padRight(identity, identityWidth)
	if err != nil {
		return Witness{}, err
	}
	paddedTxHash, err := padRight(txHash, txHashWidth)
	if err != nil {
		return Witness{}, err
	}
	paddedContract, err := padRight(contractName, contractNameWidth)
	if err != nil {
		return Witness{}, err
	}

	commitments := Commitments(tx)

	return Witness{
		Version:             1,
		InitialStateLen:     4,
		NextStateLen:        4,
		IdentityLen:         uint8(len(identity)),
		Identity:            paddedIdentity,
		TxHash:              paddedTxHash,
		BlobNumber:          1,
		BlobContractNameLen: uint8(len(contractName)),
		BlobContractName:    paddedContract,
		BlobCapacity:        BlobLength,
		BlobLen:             BlobLength,
		Blob:                Blob(tx),
		TxBlobCount:         1,
		Success:             true,
		InputNotes:          tx.Inputs,
		OutputNotes:         tx.Outputs,
		Commitments:         commitments,
		Messages:            messages,
	}, nil
}

// Commitments returns the four note commitments in circuit order: both
// inputs, then both outputs.
func Commitments(tx transactions.Transfer) [4]note.Element {
	return [4]note.Element{
		tx.Inputs[0].Note.Commitment(),
		tx.Inputs[1].Note.Commitment(),
		tx.Outputs[0].Commitment(),
		tx.Outputs[1].Commitment(),
	}
}

// Nullifiers returns the spend tags for both inputs. Padding inputs hash
// through; the blob's nullifier slots are always populated.
func Nullifiers(tx transactions.Transfer) [2]note.Element {
	return [2]note.Element{
		tx.Inputs[0].Nullifier(),
		tx.Inputs[1].Nullifier(),
	}
}

// Blob packs the transaction's public effect: input commitment 0, input
// commitment 1, nullifier 0, nullifier 1, each 32-byte big-endian.
func Blob(tx transactions.Transfer) []byte {
	commitments := Commitments(tx)
	nullifiers := Nullifiers(tx)

	blob := make([]byte, 0, BlobLength)
	blob = append(blob, commitments[0][:]...)
	blob = append(blob, commitments[1][:]...)
	blob = append(blob, nullifiers[0][:]...)
	blob = append(blob, nullifiers[1][:]...)
	return blob
}

func messagesFor(kind Kind) ([5]note.Element, error) {
	if kind != KindSend {
		return [5]note.Element{}, ErrUnsupportedKind
	}
	return [5]note.Element{note.ElementFromUint64(1)}, nil
}

func padRight(value string, width int) (string, error) {
	if len(value) > width {
		return "", ErrFieldOverflow
	}
	return value + strings.Repeat("\x00", width-len(value)), nil
}
