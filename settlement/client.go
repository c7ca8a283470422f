// Package settlement is the HTTP client for the settlement backend: faucet
// minting and transfer submission. It does not interpret proofs; it ships
// them and reports the backend's verdict.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hyli-org/cachecash/note"
	"github.com/hyli-org/cachecash/prover"
)

// BackendError is a failure reported by or while reaching the settlement
// backend. Transient distinguishes network trouble worth retrying from a
// definitive rejection.
type BackendError struct {
	Status    int
	Message   string
	Transient bool
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("settlement backend: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("settlement backend: %s", e.Message)
}

// Client talks to the settlement backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New returns a client rooted at baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		log:     log.With().Str("component", "settlement").Logger(),
	}
}

// KeyPair is the hex-encoded key material the faucet derives for a player.
type KeyPair struct {
	PrivateKeyHex string `json:"private_key_hex"`
	PublicKeyHex  string `json:"public_key_hex"`
}

// FaucetResponse carries the minted note and the key material it was
// addressed to.
type FaucetResponse struct {
	Name         string  `json:"name"`
	KeyPair      KeyPair `json:"key_pair"`
	ContractName string  `json:"contract_name"`
	Amount       uint64  `json:"amount"`
	TxHash       string  `json:"tx_hash"`
	Utxo         struct {
		OutputNotes [2]note.Note `json:"output_notes"`
	} `json:"utxo"`
}

// MintedNote returns the faucet output addressed to the player. The second
// output slot is padding.
func (r FaucetResponse) MintedNote() note.Note {
	return r.Utxo.OutputNotes[0]
}

// Faucet requests a mint for the named player. A zero amount asks the
// backend for its default.
func (c *Client) Faucet(ctx context.Context, name string, amount uint64) (FaucetResponse, error) {
	req := struct {
		Name   string  `json:"name"`
		Amount *uint64 `json:"amount,omitempty"`
	}{Name: name}
	if amount > 0 {
		req.Amount = &amount
	}

	var resp FaucetResponse
	if err := c.post(ctx, "/api/faucet", req, &resp); err != nil {
		return FaucetResponse{}, err
	}
	c.log.Info().Str("name", resp.Name).Uint64("amount", resp.Amount).
		Str("tx_hash", resp.TxHash).Msg("faucet mint accepted")
	return resp, nil
}

// TransferRequest is the proof-carrying submission: the proof bundle plus
// the two output notes the settled transaction creates.
type TransferRequest struct {
	Identity     string       `json:"identity"`
	Proof        []byte       `json:"proof"`
	PublicInputs []string     `json:"public_inputs"`
	Blob         []byte       `json:"blob"`
	OutputNotes  [2]note.Note `json:"output_notes"`
}

// TransferResponse is the backend's settlement verdict.
type TransferResponse struct {
	TxHash     string     `json:"tx_hash"`
	ChangeNote *note.Note `json:"change_note,omitempty"`
}

// SubmitTransfer sends a proven spend for settlement.
func (c *Client) SubmitTransfer(ctx context.Context, identity string, proof prover.Proof, outputs [2]note.Note) (TransferResponse, error) {
	req := TransferRequest{
		Identity:     identity,
		Proof:        proof.Proof,
		PublicInputs: proof.PublicInputs,
		Blob:         proof.BlobData,
		OutputNotes:  outputs,
	}

	var resp TransferResponse
	if err := c.post(ctx, "/api/transfer", req, &resp); err != nil {
		return TransferResponse{}, err
	}
	c.log.Info().Str("tx_hash", resp.TxHash).Msg("transfer settled")
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &BackendError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &BackendError{
			Status:    resp.StatusCode,
			Message:   string(bytes.TrimSpace(msg)),
			Transient: resp.StatusCode >= 500,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}
