package inbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hyli-org/cachecash/note"
)

// NotePayload is the plaintext a sender seals for the recipient: the output
// note addressed to them and the settlement transaction it came from.
type NotePayload struct {
	Note   note.Note `json:"note"`
	TxHash string    `json:"tx_hash"`
	From   string    `json:"from,omitempty"`
}

// EncodePayload serializes a payload for encryption.
func EncodePayload(p NotePayload) ([]byte, error) {
	return json.Marshal(p)
}

// Record is one stored envelope as the relay returns it. The payload is
// base64, the ephemeral key hex, matching the relay's JSON schema.
type Record struct {
	ID               string `json:"id"`
	EncryptedPayload string `json:"encrypted_payload"`
	EphemeralPubkey  string `json:"ephemeral_pubkey"`
	SenderTag        string `json:"sender_tag,omitempty"`
	StoredAt         int64  `json:"stored_at"`
}

// Envelope decodes the record's wire fields back into an Envelope. The
// ephemeral pubkey is raw curve bytes; it is deliberately not parsed as a
// field element, since secp256k1 x-coordinates range over the full 32-byte
// space.
func (r Record) Envelope() (Envelope, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(r.EncryptedPayload)
	if err != nil {
		return Envelope{}, fmt.Errorf("payload not base64: %w", err)
	}
	eph, err := hex.DecodeString(r.EphemeralPubkey)
	if err != nil {
		return Envelope{}, fmt.Errorf("ephemeral pubkey: %w", err)
	}
	if len(eph) != 32 {
		return Envelope{}, fmt.Errorf("ephemeral pubkey: got %d bytes, want 32", len(eph))
	}
	env := Envelope{Ciphertext: ciphertext}
	copy(env.EphemeralPubKey[:], eph)
	return env, nil
}

// FetchResult is a page of records. HasMore signals the caller to poll
// again rather than wait a full interval.
type FetchResult struct {
	Notes   []Record `json:"notes"`
	HasMore bool     `json:"has_more"`
}

// Relay is the HTTP client for the note relay. The relay caps storage per
// tag with FIFO eviction, so a missing record is normal, never an error.
type Relay struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewRelay returns a relay client rooted at baseURL. A nil httpClient uses
// http.DefaultClient.
func NewRelay(baseURL string, httpClient *http.Client, log zerolog.Logger) *Relay {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Relay{
		baseURL: baseURL,
		http:    httpClient,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Upload stores an envelope for the recipient tag. senderTag is optional
// grouping metadata and may be empty.
func (r *Relay) Upload(ctx context.Context, recipientTag string, env Envelope, senderTag string) (Record, error) {
	req := struct {
		RecipientTag     string `json:"recipient_tag"`
		EncryptedPayload string `json:"encrypted_payload"`
		EphemeralPubkey  string `json:"ephemeral_pubkey"`
		SenderTag        string `json:"sender_tag,omitempty"`
	}{
		RecipientTag:     recipientTag,
		EncryptedPayload: base64.StdEncoding.EncodeToString(env.Ciphertext),
		EphemeralPubkey:  hex.EncodeToString(env.EphemeralPubKey[:]),
		SenderTag:        senderTag,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Record{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/notes", bytes.NewReader(payload))
	if err != nil {
		return Record{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return Record{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Record{}, statusError("uploading note", resp)
	}

	var stored struct {
		ID       string `json:"id"`
		StoredAt int64  `json:"stored_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return Record{}, fmt.Errorf("decoding upload response: %w", err)
	}
	return Record{
		ID:               stored.ID,
		EncryptedPayload: req.EncryptedPayload,
		EphemeralPubkey:  req.EphemeralPubkey,
		SenderTag:        senderTag,
		StoredAt:         stored.StoredAt,
	}, nil
}

// Fetch returns records for a tag stored strictly after since, capped at
// limit.
func (r *Relay) Fetch(ctx context.Context, tag string, since int64, limit int) (FetchResult, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := r.baseURL + "/api/notes/" + url.PathEscape(tag)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchResult{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, statusError("fetching notes", resp)
	}

	var result FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return FetchResult{}, fmt.Errorf("decoding fetch response: %w", err)
	}
	return result, nil
}

// Delete removes a record by tag and id. A 404 means the relay already
// evicted it and is not an error.
func (r *Relay) Delete(ctx context.Context, tag, id string) error {
	endpoint := r.baseURL + "/api/notes/" + url.PathEscape(tag) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return statusError("deleting note", resp)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
}
