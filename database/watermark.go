package database

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/hyli-org/cachecash/key"
)

// The inbox poller's per-owner watermark: the stored_at boundary separating
// already-ingested relay records from unseen ones.

func watermarkKey(owner string) []byte {
	k := append([]byte{}, watermarkPrefix...)
	return append(k, owner...)
}

// Watermark returns the owner's last-fetch watermark in seconds since
// epoch, zero when no fetch succeeded yet.
func (db *DB) Watermark(owner string) int64 {
	owner = key.Normalize(owner)

	value, err := db.storage.Get(watermarkKey(owner), nil)
	if err == leveldb.ErrNotFound {
		return 0
	}
	if err != nil || len(value) != 8 {
		if err != nil {
			db.log.Warn().Err(err).Str("owner", owner).Msg("read watermark")
		}
		return 0
	}
	return int64(binary.BigEndian.Uint64(value))
}

// SetWatermark advances the owner's watermark. Callers only move it forward
// after a fully successful fetch-and-ingest pass.
func (db *DB) SetWatermark(owner string, seconds int64) {
	owner = key.Normalize(owner)

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(seconds))
	if err := db.storage.Put(watermarkKey(owner), value, nil); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("persist watermark")
	}
}
