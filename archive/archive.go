// Package archive packs a player's notes into a portable zip container for
// backup and device transfer, and merges containers back into the store.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hyli-org/cachecash/database"
	"github.com/hyli-org/cachecash/key"
)

const manifestName = "notes.json"

var (
	// ErrFormatInvalid means the container or its manifest is structurally
	// broken. Validation is all-or-nothing: one bad record rejects the
	// whole archive.
	ErrFormatInvalid = errors.New("archive format invalid")

	// ErrOwnerMismatch means the archive belongs to a different player than
	// the current session. Nothing is imported; the caller surfaces the
	// conflict.
	ErrOwnerMismatch = errors.New("archive owner does not match session owner")
)

// Manifest is the single JSON entry inside the container.
type Manifest struct {
	Player     string                `json:"player"`
	ExportedAt time.Time             `json:"exportedAt"`
	Notes      []database.StoredNote `json:"notes"`
}

// Export writes a container holding the owner's notes.
func Export(w io.Writer, owner string, notes []database.StoredNote) error {
	manifest := Manifest{
		Player:     key.Normalize(owner),
		ExportedAt: time.Now().UTC(),
		Notes:      notes,
	}

	zw := zip.NewWriter(w)
	entry, err := zw.Create(manifestName)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(entry).Encode(manifest); err != nil {
		return err
	}
	return zw.Close()
}

// Import reads and validates a container. The archive's declared owner must
// match sessionOwner after normalization.
func Import(r io.ReaderAt, size int64, sessionOwner string) (Manifest, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}

	var manifest Manifest
	found := false
	for _, f := range zr.File {
		if f.Name != manifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
		}
		err = json.NewDecoder(rc).Decode(&manifest)
		rc.Close()
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
		}
		found = true
		break
	}
	if !found {
		return Manifest{}, fmt.Errorf("%w: missing %s", ErrFormatInvalid, manifestName)
	}

	if manifest.Player == "" {
		return Manifest{}, fmt.Errorf("%w: empty player", ErrFormatInvalid)
	}
	for i, n := range manifest.Notes {
		if n.TxHash == "" && n.StoredAt == 0 {
			return Manifest{}, fmt.Errorf("%w: note %d lacks identity", ErrFormatInvalid, i)
		}
	}

	if key.Normalize(manifest.Player) != key.Normalize(sessionOwner) {
		return Manifest{}, fmt.Errorf("%w: archive is for %q", ErrOwnerMismatch, manifest.Player)
	}
	return manifest, nil
}

// Merge combines existing and imported notes, deduplicating by TxHash (or a
// synthetic player+storedAt key when absent) and keeping the newest record
// per key. The result is ordered newest first.
func Merge(existing, imported []database.StoredNote) []database.StoredNote {
	byKey := make(map[string]database.StoredNote)
	for _, n := range append(append([]database.StoredNote{}, existing...), imported...) {
		k := mergeKey(n)
		if prev, ok := byKey[k]; ok && prev.StoredAt >= n.StoredAt {
			continue
		}
		byKey[k] = n
	}

	merged := make([]database.StoredNote, 0, len(byKey))
	for _, n := range byKey {
		merged = append(merged, n)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].StoredAt != merged[j].StoredAt {
			return merged[i].StoredAt > merged[j].StoredAt
		}
		return merged[i].TxHash < merged[j].TxHash
	})
	return merged
}

func mergeKey(n database.StoredNote) string {
	if n.TxHash != "" {
		return n.TxHash
	}
	return fmt.Sprintf("%s/%d", key.Normalize(n.Player), n.StoredAt)
}

// ImportBytes is Import over an in-memory container.
func ImportBytes(data []byte, sessionOwner string) (Manifest, error) {
	return Import(bytes.NewReader(data), int64(len(data)), sessionOwner)
}
