// Package database is the durable note store. It owns every piece of
// per-player mutable state: owned notes, in-flight pending reservations,
// the inbox watermark, and transfer history. Persistence is best-effort: a
// storage failure is logged and the operation becomes a no-op, because the
// settlement backend, not this cache, is the source of truth.
package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hyli-org/cachecash/key"
	"github.com/hyli-org/cachecash/note"
)

var (
	notePrefix      = []byte("note/")
	legacyPrefix    = []byte("legacy-note/")
	migratedPrefix  = []byte("migrated/")
	pendingPrefix   = []byte("pending/")
	watermarkPrefix = []byte("watermark/")
	historyPrefix   = []byte("history/")
)

// StoredNote is an ownership record in the store, keyed by (player, tx
// hash). TxHash is the note's external identity and dedup key; inbox
// ingestion uses the "encrypted:<id>" namespace to keep its identities
// distinct from settlement-issued hashes.
type StoredNote struct {
	Note     note.Note `json:"note"`
	TxHash   string    `json:"tx_hash"`
	StoredAt int64     `json:"stored_at"`
	Player   string    `json:"player"`
}

// DB wraps a leveldb instance with the per-owner buckets and the listener
// registry. Construct one per process and pass it by reference; there are
// no package-level registries.
type DB struct {
	storage *leveldb.DB
	log     zerolog.Logger

	// wall clock, swapped out in tests
	now func() time.Time

	mu        sync.Mutex
	listeners map[string]map[int]func()
	nextSub   int
}

// New opens (or creates) the store at path.
func New(path string, log zerolog.Logger) (*DB, error) {
	storage, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet cannot be used without database: %w", err)
	}
	return &DB{
		storage:   storage,
		log:       log,
		now:       time.Now,
		listeners: make(map[string]map[int]func()),
	}, nil
}

// Close releases the underlying storage.
func (db *DB) Close() error {
	return db.storage.Close()
}

func noteKey(owner, txHash string) []byte {
	return []byte(string(notePrefix) + owner + "/" + txHash)
}

func ownerPrefix(owner string) []byte {
	return []byte(string(notePrefix) + owner + "/")
}

// Add appends a note for the owner. Idempotent: an existing record for the
// same tx hash is never overwritten.
func (db *DB) Add(owner string, stored StoredNote) {
	owner = key.Normalize(owner)
	db.migrateLegacy(owner)

	stored.Player = owner
	if stored.StoredAt == 0 {
		stored.StoredAt = db.now().Unix()
	}

	k := noteKey(owner, stored.TxHash)
	if ok, _ := db.storage.Has(k, nil); ok {
		return
	}
	db.putJSON(k, stored)
	db.notify(owner)
}

// Replace atomically swaps the record stored under oldTxHash for the given
// note, used when an optimistic note is confirmed with its settled hash.
func (db *DB) Replace(owner, oldTxHash string, stored StoredNote) {
	owner = key.Normalize(owner)
	db.migrateLegacy(owner)

	stored.Player = owner
	if stored.StoredAt == 0 {
		stored.StoredAt = db.now().Unix()
	}

	value, err := json.Marshal(stored)
	if err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("encode note for replace")
		return
	}

	batch := new(leveldb.Batch)
	batch.Delete(noteKey(owner, oldTxHash))
	batch.Put(noteKey(owner, stored.TxHash), value)
	if err := db.storage.Write(batch, nil); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("replace note")
		return
	}
	db.notify(owner)
}

// List returns the owner's notes, newest first. A storage failure yields an
// empty list.
func (db *DB) List(owner string) []StoredNote {
	owner = key.Normalize(owner)
	db.migrateLegacy(owner)

	var notes []StoredNote
	iter := db.storage.NewIterator(util.BytesPrefix(ownerPrefix(owner)), nil)
	defer iter.Release()
	for iter.Next() {
		var stored StoredNote
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			db.log.Warn().Err(err).Str("owner", owner).Msg("decode stored note")
			continue
		}
		notes = append(notes, stored)
	}
	if err := iter.Error(); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("list notes")
	}

	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].StoredAt != notes[j].StoredAt {
			return notes[i].StoredAt > notes[j].StoredAt
		}
		return notes[i].TxHash < notes[j].TxHash
	})
	return notes
}

// SetAll replaces the owner's entire bucket, used after settlement success
// and after archive merges.
func (db *DB) SetAll(owner string, notes []StoredNote) {
	owner = key.Normalize(owner)
	db.migrateLegacy(owner)

	batch := new(leveldb.Batch)
	db.deletePrefix(batch, ownerPrefix(owner))
	for _, stored := range notes {
		stored.Player = owner
		if stored.StoredAt == 0 {
			stored.StoredAt = db.now().Unix()
		}
		value, err := json.Marshal(stored)
		if err != nil {
			db.log.Warn().Err(err).Str("owner", owner).Msg("encode note for set")
			return
		}
		batch.Put(noteKey(owner, stored.TxHash), value)
	}
	if err := db.storage.Write(batch, nil); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("set notes")
		return
	}
	db.notify(owner)
}

// Clear drops every note the owner holds.
func (db *DB) Clear(owner string) {
	owner = key.Normalize(owner)
	db.migrateLegacy(owner)

	batch := new(leveldb.Batch)
	db.deletePrefix(batch, ownerPrefix(owner))
	if err := db.storage.Write(batch, nil); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("clear notes")
		return
	}
	db.notify(owner)
}

// Subscribe registers a listener invoked after every mutation for the
// owner. The returned function unsubscribes; calling it twice is harmless.
func (db *DB) Subscribe(owner string, listener func()) func() {
	owner = key.Normalize(owner)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.listeners[owner] == nil {
		db.listeners[owner] = make(map[int]func())
	}
	id := db.nextSub
	db.nextSub++
	db.listeners[owner][id] = listener

	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.listeners[owner], id)
	}
}

func (db *DB) notify(owner string) {
	db.mu.Lock()
	listeners := make([]func(), 0, len(db.listeners[owner]))
	for _, l := range db.listeners[owner] {
		listeners = append(listeners, l)
	}
	db.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// migrateLegacy performs the one-shot read-repair from the single legacy
// bucket into the per-owner bucket. The migration marker guarantees the
// scan happens at most once per owner, even when the legacy bucket holds
// nothing for this owner.
func (db *DB) migrateLegacy(owner string) {
	marker := append([]byte{}, migratedPrefix...)
	marker = append(marker, owner...)
	if ok, _ := db.storage.Has(marker, nil); ok {
		return
	}

	batch := new(leveldb.Batch)
	migrated := 0
	iter := db.storage.NewIterator(util.BytesPrefix(legacyPrefix), nil)
	for iter.Next() {
		var stored StoredNote
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			continue
		}
		if key.Normalize(stored.Player) != owner {
			continue
		}
		stored.Player = owner
		value, err := json.Marshal(stored)
		if err != nil {
			continue
		}
		batch.Put(noteKey(owner, stored.TxHash), value)
		batch.Delete(append([]byte{}, iter.Key()...))
		migrated++
	}
	iter.Release()

	batch.Put(marker, []byte{1})
	if err := db.storage.Write(batch, nil); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("migrate legacy notes")
		return
	}
	if migrated > 0 {
		db.log.Info().Str("owner", owner).Int("notes", migrated).Msg("migrated legacy notes")
	}
}

func (db *DB) deletePrefix(batch *leveldb.Batch, prefix []byte) {
	iter := db.storage.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
}

func (db *DB) putJSON(k []byte, v interface{}) {
	value, err := json.Marshal(v)
	if err != nil {
		db.log.Warn().Err(err).Msg("encode record")
		return
	}
	if err := db.storage.Put(k, value, nil); err != nil {
		db.log.Warn().Err(err).Msg("persist record")
	}
}

func (db *DB) getJSON(k []byte, v interface{}) bool {
	value, err := db.storage.Get(k, nil)
	if err == leveldb.ErrNotFound {
		return false
	}
	if err != nil {
		db.log.Warn().Err(err).Msg("read record")
		return false
	}
	if err := json.Unmarshal(value, v); err != nil {
		db.log.Warn().Err(err).Msg("decode record")
		return false
	}
	return true
}

// putLegacyNote writes into the pre-migration single bucket. Only the
// migration tests use it; real writers stopped producing this layout.
func (db *DB) putLegacyNote(stored StoredNote) {
	k := append([]byte{}, legacyPrefix...)
	k = append(k, stored.TxHash...)
	db.putJSON(k, stored)
}
