package database

import (
	"errors"
	"time"

	"github.com/hyli-org/cachecash/key"
)

// PendingTimeout bounds how long a reservation can outlive its transfer. An
// entry older than this is treated as if it never existed, which is how the
// store recovers from a client that crashed mid-flight.
const PendingTimeout = 5 * time.Minute

// ErrPendingConflict is returned when a reservation names a note that is
// already reserved by another in-flight transfer.
var ErrPendingConflict = errors.New("notes are already reserved by a pending transfer")

// PendingTransfer reserves a set of notes for an in-flight spend. This is
// an optimistic, client-local claim, not a distributed lock: expiry is a
// pure function of the timestamp read against the wall clock.
type PendingTransfer struct {
	SpentNoteHashes []string `json:"spent_note_hashes"`
	Timestamp       int64    `json:"timestamp"`
}

func pendingKey(owner string) []byte {
	k := append([]byte{}, pendingPrefix...)
	return append(k, owner...)
}

// MarkPending reserves the given note hashes for an in-flight transfer.
// Fails with ErrPendingConflict if any hash is already actively reserved.
func (db *DB) MarkPending(owner string, noteHashes []string) error {
	owner = key.Normalize(owner)

	active := db.activePending(owner)
	reserved := make(map[string]struct{})
	for _, entry := range active {
		for _, h := range entry.SpentNoteHashes {
			reserved[h] = struct{}{}
		}
	}
	for _, h := range noteHashes {
		if _, ok := reserved[h]; ok {
			return ErrPendingConflict
		}
	}

	active = append(active, PendingTransfer{
		SpentNoteHashes: append([]string{}, noteHashes...),
		Timestamp:       db.now().Unix(),
	})
	db.putJSON(pendingKey(owner), active)
	db.notify(owner)
	return nil
}

// ClearPending releases every reservation that references any of the given
// hashes. The union-based match is deliberately conservative: a release
// after a partial failure must never leave a sibling hash locked. Releasing
// hashes that are not reserved is a no-op, never an error.
func (db *DB) ClearPending(owner string, noteHashes []string) {
	owner = key.Normalize(owner)

	clearing := make(map[string]struct{}, len(noteHashes))
	for _, h := range noteHashes {
		clearing[h] = struct{}{}
	}

	active := db.activePending(owner)
	kept := active[:0]
	for _, entry := range active {
		references := false
		for _, h := range entry.SpentNoteHashes {
			if _, ok := clearing[h]; ok {
				references = true
				break
			}
		}
		if !references {
			kept = append(kept, entry)
		}
	}

	db.putJSON(pendingKey(owner), kept)
	db.notify(owner)
}

// PendingHashes returns the set of note hashes currently reserved. Expired
// entries are dropped and the filtered list is written back, so expiry is
// self-healing and needs no background task.
func (db *DB) PendingHashes(owner string) map[string]struct{} {
	owner = key.Normalize(owner)

	active := db.activePending(owner)
	db.putJSON(pendingKey(owner), active)

	hashes := make(map[string]struct{})
	for _, entry := range active {
		for _, h := range entry.SpentNoteHashes {
			hashes[h] = struct{}{}
		}
	}
	return hashes
}

// activePending loads the owner's reservations with expired entries
// filtered out.
func (db *DB) activePending(owner string) []PendingTransfer {
	var entries []PendingTransfer
	if !db.getJSON(pendingKey(owner), &entries) {
		return nil
	}

	cutoff := db.now().Add(-PendingTimeout).Unix()
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp > cutoff {
			kept = append(kept, entry)
		}
	}
	return kept
}
