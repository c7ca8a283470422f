package database

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hyli-org/cachecash/key"
)

// Direction of a transfer record.
type Direction byte

const (
	// DirectionIn marks notes received through the faucet or inbox.
	DirectionIn Direction = iota
	// DirectionOut marks settled outgoing transfers.
	DirectionOut
)

// TxRecord is a compact history entry for a settled or ingested transfer.
type TxRecord struct {
	Timestamp    int64
	Direction    Direction
	Amount       uint64
	Counterparty string
}

func historyKey(owner string, nanos int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", historyPrefix, owner, uint64(nanos)))
}

// PutTxOut records an outgoing transfer. Records are keyed by owner and
// insertion time; the value packs timestamp, direction, amount and the
// counterparty tag.
func (db *DB) PutTxOut(owner string, amount uint64, recipientTag string) {
	db.putTxRecord(owner, DirectionOut, amount, recipientTag)
}

// PutTxIn records an incoming note (faucet or inbox).
func (db *DB) PutTxIn(owner string, amount uint64, senderTag string) {
	db.putTxRecord(owner, DirectionIn, amount, senderTag)
}

func (db *DB) putTxRecord(owner string, direction Direction, amount uint64, counterparty string) {
	owner = key.Normalize(owner)

	// 8 (timestamp) + 1 (direction) + 8 (amount)
	value := make([]byte, 17, 17+len(counterparty))
	now := db.now()
	binary.LittleEndian.PutUint64(value[0:8], uint64(now.Unix()))
	value[8] = byte(direction)
	binary.LittleEndian.PutUint64(value[9:17], amount)
	value = append(value, counterparty...)

	if err := db.storage.Put(historyKey(owner, now.UnixNano()), value, nil); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("persist tx record")
	}
}

// History returns the owner's transfer records, newest first.
func (db *DB) History(owner string) []TxRecord {
	owner = key.Normalize(owner)

	prefix := append([]byte{}, historyPrefix...)
	prefix = append(prefix, owner+"/"...)

	var records []TxRecord
	iter := db.storage.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		value := iter.Value()
		if len(value) < 17 {
			continue
		}
		records = append(records, TxRecord{
			Timestamp:    int64(binary.LittleEndian.Uint64(value[0:8])),
			Direction:    Direction(value[8]),
			Amount:       binary.LittleEndian.Uint64(value[9:17]),
			Counterparty: string(value[17:]),
		})
	}
	if err := iter.Error(); err != nil {
		db.log.Warn().Err(err).Str("owner", owner).Msg("list tx records")
	}

	// keys iterate oldest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records
}
