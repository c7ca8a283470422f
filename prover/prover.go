package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Proof is the artifact bundle returned by the proving backend.
type Proof struct {
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"public_inputs"`
	BlobData     []byte   `json:"blob_data"`
}

// Backend computes proofs from assembled witnesses. Init loads the circuit
// artifacts and may take seconds; Prove is long-running.
type Backend interface {
	Init(ctx context.Context) error
	Prove(ctx context.Context, w Witness) (Proof, error)
}

// Prover wraps a Backend with memoized, single-flight initialization.
// Concurrent transfers issued before the circuit is loaded share one
// in-flight Init instead of triggering duplicate loads.
type Prover struct {
	backend Backend
	log     zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	ready bool
}

// New returns a Prover over the given backend.
func New(backend Backend, log zerolog.Logger) *Prover {
	return &Prover{
		backend: backend,
		log:     log.With().Str("component", "prover").Logger(),
	}
}

// Init prepares the backend. Idempotent; a failed Init is retried on the
// next call rather than cached.
func (p *Prover) Init(ctx context.Context) error {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := p.group.Do("init", func() (interface{}, error) {
		p.log.Debug().Msg("initializing proving backend")
		if err := p.backend.Init(ctx); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.ready = true
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

// GenerateProof initializes the backend if needed and proves the witness.
// BlobData falls back to the witness blob when the backend omits it.
func (p *Prover) GenerateProof(ctx context.Context, w Witness) (Proof, error) {
	if err := p.Init(ctx); err != nil {
		return Proof{}, fmt.Errorf("initializing prover: %w", err)
	}

	proof, err := p.backend.Prove(ctx, w)
	if err != nil {
		return Proof{}, fmt.Errorf("generating proof: %w", err)
	}
	if len(proof.BlobData) == 0 {
		proof.BlobData = w.Blob
	}
	return proof, nil
}

// HTTPBackend talks to a remote proving service.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend returns a backend rooted at baseURL. A nil client uses
// http.DefaultClient.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{baseURL: baseURL, client: client}
}

// Init asks the service to load its circuit artifacts.
func (b *HTTPBackend) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/init", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prover init: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Prove submits the witness and decodes the proof bundle.
func (b *HTTPBackend) Prove(ctx context.Context, w Witness) (Proof, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return Proof{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/prove", bytes.NewReader(body))
	if err != nil {
		return Proof{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Proof{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Proof{}, fmt.Errorf("prover: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var proof Proof
	if err := json.NewDecoder(resp.Body).Decode(&proof); err != nil {
		return Proof{}, fmt.Errorf("decoding proof response: %w", err)
	}
	return proof, nil
}
