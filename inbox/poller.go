package inbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyli-org/cachecash/database"
	"github.com/hyli-org/cachecash/key"
)

// DefaultPollInterval paces the background poll loop.
const DefaultPollInterval = 10 * time.Second

// DefaultFetchLimit caps records per fetch.
const DefaultFetchLimit = 100

// Poller periodically fetches the owner's encrypted notes from the relay,
// decrypts them and ingests them into the note store. Ticks never overlap:
// the next fetch is scheduled only after the previous one finishes.
type Poller struct {
	relay    *Relay
	db       *database.DB
	keys     key.Pair
	owner    string
	tag      string
	interval time.Duration
	limit    int
	log      zerolog.Logger
}

// NewPoller builds a poller for the owner's keypair. interval <= 0 uses
// DefaultPollInterval.
func NewPoller(relay *Relay, db *database.DB, keys key.Pair, owner string, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		relay:    relay,
		db:       db,
		keys:     keys,
		owner:    owner,
		tag:      DeriveRecipientTag(keys.PublicKey),
		interval: interval,
		limit:    DefaultFetchLimit,
		log:      log.With().Str("component", "inbox").Logger(),
	}
}

// Run polls until ctx is cancelled. Fetch errors are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil {
			p.log.Warn().Err(err).Msg("inbox poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single fetch-decrypt-ingest cycle. The watermark advances
// only after a successful fetch; a failed fetch leaves it untouched so no
// record is skipped. Decrypt failures are isolated per record.
func (p *Poller) PollOnce(ctx context.Context) error {
	since := p.db.Watermark(p.owner)

	result, err := p.relay.Fetch(ctx, p.tag, since, p.limit)
	if err != nil {
		return err
	}

	latest := since
	for _, rec := range result.Notes {
		if rec.StoredAt > latest {
			latest = rec.StoredAt
		}
		if !p.ingest(rec) {
			continue
		}
		if err := p.relay.Delete(ctx, p.tag, rec.ID); err != nil {
			// already ingested; re-ingestion is idempotent, so an
			// undeleted record is harmless
			p.log.Debug().Err(err).Str("id", rec.ID).Msg("relay delete failed")
		}
	}

	if latest != since {
		p.db.SetWatermark(p.owner, latest)
	}
	return nil
}

// ingest decrypts and stores one record. Returns false when the record is
// undecryptable or malformed; such records are skipped, not retried.
func (p *Poller) ingest(rec Record) bool {
	env, err := rec.Envelope()
	if err != nil {
		p.log.Warn().Err(err).Str("id", rec.ID).Msg("malformed relay record")
		return false
	}

	plaintext, err := Decrypt(p.keys.PrivateKey, env)
	if err != nil {
		p.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping undecryptable record")
		return false
	}

	var payload NotePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		p.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping unparseable payload")
		return false
	}

	// distinct identity space so relay ids never collide with settlement
	// transaction hashes
	txHash := "encrypted:" + rec.ID
	for _, existing := range p.db.List(p.owner) {
		if existing.TxHash == txHash {
			// already ingested on a previous cycle
			return true
		}
	}

	p.db.Add(p.owner, database.StoredNote{
		Note:     payload.Note,
		TxHash:   txHash,
		StoredAt: rec.StoredAt,
	})
	p.db.PutTxIn(p.owner, payload.Note.Value.Uint64(), rec.SenderTag)

	p.log.Info().Str("id", rec.ID).Msg("ingested incoming note")
	return true
}
