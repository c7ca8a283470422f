package prover

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyli-org/cachecash/key"
	"github.com/hyli-org/cachecash/note"
	"github.com/hyli-org/cachecash/transactions"
)

func testTransfer(t *testing.T) transactions.Transfer {
	t.Helper()

	sender, err := key.Derive("prover-sender")
	require.NoError(t, err)
	recipient, err := key.Derive("prover-recipient")
	require.NoError(t, err)

	contract := note.ElementFromUint64(9)
	in, err := note.New(contract, sender.PublicKey, 10)
	require.NoError(t, err)

	sel, err := transactions.Select([]transactions.Candidate{{TxHash: "in", Note: in}}, 6)
	require.NoError(t, err)

	tx, err := transactions.Build(sel, recipient.PublicKey, 6, sender)
	require.NoError(t, err)
	return tx
}

func TestBlobLayout(t *testing.T) {
	tx := testTransfer(t)
	blob := Blob(tx)

	require.Len(t, blob, BlobLength)

	c0 := tx.Inputs[0].Note.Commitment()
	c1 := tx.Inputs[1].Note.Commitment()
	n0 := tx.Inputs[0].Nullifier()
	n1 := tx.Inputs[1].Nullifier()

	assert.Equal(t, c0[:], blob[0:32])
	assert.Equal(t, c1[:], blob[32:64])
	assert.Equal(t, n0[:], blob[64:96])
	assert.Equal(t, n1[:], blob[96:128])

	// the second input is padding, so its commitment region is zero but its
	// nullifier region is not
	assert.Equal(t, make([]byte, 32), blob[32:64])
	assert.NotEqual(t, make([]byte, 32), blob[96:128])
}

func TestAssembleWitness(t *testing.T) {
	tx := testTransfer(t)

	w, err := Assemble(tx, KindSend, "alice@wallet", "deadbeef", "cachecash")
	require.NoError(t, err)

	assert.Equal(t, uint32(1), w.Version)
	assert.Equal(t, uint32(1), w.BlobNumber)
	assert.Equal(t, uint32(BlobLength), w.BlobCapacity)
	assert.Equal(t, uint32(BlobLength), w.BlobLen)
	assert.True(t, w.Success)

	assert.Len(t, w.Identity, 256)
	assert.Equal(t, uint8(len("alice@wallet")), w.IdentityLen)
	assert.True(t, strings.HasPrefix(w.Identity, "alice@wallet"))
	assert.Equal(t, strings.Repeat("\x00", 256-len("alice@wallet")), w.Identity[len("alice@wallet"):])

	assert.Len(t, w.TxHash, 64)
	assert.Len(t, w.BlobContractName, 256)

	assert.Equal(t, Commitments(tx), w.Commitments)
	assert.Equal(t, Blob(tx), w.Blob)

	assert.Equal(t, note.ElementFromUint64(1), w.Messages[0])
	for _, m := range w.Messages[1:] {
		assert.True(t, m.IsZero())
	}
}

func TestAssembleFieldOverflow(t *testing.T) {
	tx := testTransfer(t)

	_, err := Assemble(tx, KindSend, strings.Repeat("a", 257), "tx", "c")
	assert.ErrorIs(t, err, ErrFieldOverflow)

	_, err = Assemble(tx, KindSend, "id", strings.Repeat("f", 65), "c")
	assert.ErrorIs(t, err, ErrFieldOverflow)

	// 256 characters fit the padded slot but overflow the one-byte length
	_, err = Assemble(tx, KindSend, strings.Repeat("a", 256), "tx", "c")
	assert.ErrorIs(t, err, ErrFieldOverflow)

	_, err = Assemble(tx, KindSend, "id", "tx", strings.Repeat("c", 256))
	assert.ErrorIs(t, err, ErrFieldOverflow)

	w, err := Assemble(tx, KindSend, strings.Repeat("a", 255), "tx", strings.Repeat("c", 255))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), w.IdentityLen)
	assert.Equal(t, uint8(255), w.BlobContractNameLen)
}

func TestAssembleUnsupportedKind(t *testing.T) {
	tx := testTransfer(t)

	_, err := Assemble(tx, Kind(3), "id", "tx", "c")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

type countingBackend struct {
	mu    sync.Mutex
	inits int
	fail  bool
	proof Proof
}

func (b *countingBackend) Init(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits++
	if b.fail {
		return errors.New("artifacts missing")
	}
	return nil
}

func (b *countingBackend) Prove(context.Context, Witness) (Proof, error) {
	return b.proof, nil
}

func TestProverInitMemoized(t *testing.T) {
	backend := &countingBackend{}
	p := New(backend, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Init(context.Background()))
		}()
	}
	wg.Wait()

	require.NoError(t, p.Init(context.Background()))
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.LessOrEqual(t, backend.inits, 8)
	assert.GreaterOrEqual(t, backend.inits, 1)
}

func TestProverInitRetriesAfterFailure(t *testing.T) {
	backend := &countingBackend{fail: true}
	p := New(backend, zerolog.Nop())

	require.Error(t, p.Init(context.Background()))

	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()

	require.NoError(t, p.Init(context.Background()))
	require.NoError(t, p.Init(context.Background()))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.inits)
}

func TestGenerateProofFillsBlobData(t *testing.T) {
	backend := &countingBackend{proof: Proof{Proof: []byte{1, 2, 3}}}
	p := New(backend, zerolog.Nop())

	tx := testTransfer(t)
	w, err := Assemble(tx, KindSend, "id", "tx", "c")
	require.NoError(t, err)

	proof, err := p.GenerateProof(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, w.Blob, proof.BlobData)
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/init":
			rw.WriteHeader(http.StatusOK)
		case "/prove":
			body := new(bytes.Buffer)
			_, _ = body.ReadFrom(r.Body)
			assert.Contains(t, body.String(), `"version":1`)
			rw.Header().Set("Content-Type", "application/json")
			_, _ = rw.Write([]byte(`{"proof":"AQI=","public_inputs":["0x01"],"blob_data":null}`))
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL, srv.Client())
	require.NoError(t, backend.Init(context.Background()))

	tx := testTransfer(t)
	w, err := Assemble(tx, KindSend, "id", "tx", "c")
	require.NoError(t, err)

	proof, err := backend.Prove(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, proof.Proof)
	assert.Equal(t, []string{"0x01"}, proof.PublicInputs)
}

func TestHTTPBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "circuit mismatch", http.StatusBadRequest)
	}))
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL, srv.Client())
	tx := testTransfer(t)
	w, err := Assemble(tx, KindSend, "id", "tx", "c")
	require.NoError(t, err)

	_, err = backend.Prove(context.Background(), w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit mismatch")
	assert.Contains(t, err.Error(), "400")
}
