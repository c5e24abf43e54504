// Package restorelog persists the time wheel's pending entries to disk so
// they survive a restart, per spec.md §4.11. The write path is grounded
// on the write-temp-then-os.Rename idiom used for crash-safe artifact
// writes in matgreaves-rig's internal/server/artifact/download.go; the
// serialize-then-reload shape follows the teacher's own
// internal/checkpoint/store.go, adapted from a SQLite blob store to flat
// JSON files because spec.md only contracts "hvents can replay what it
// wrote" with atomic rename, not a specific format.
package restorelog

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
	"github.com/songokas/hvents/internal/timewheel"
)

// record is the on-disk shape of one persisted entry.
type record struct {
	FireAt     time.Time             `json:"fire_at"`
	Identity   string                `json:"identity"`
	Name       string                `json:"name"`
	Payload    recordPayload         `json:"payload"`
	RepeatSpec *string               `json:"repeat_spec,omitempty"`
	EventID    *string               `json:"event_id,omitempty"`
}

// recordPayload mirrors payload.Payload's serializable fields; State is
// not persisted (it is reconstructed from the process-wide singleton on
// replay, not per-entry).
type recordPayload struct {
	DataKind int    `json:"data_kind"`
	DataStr  string `json:"data_str,omitempty"`
	DataTree any    `json:"data_tree,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Log persists timewheel.Entry values under dir, one JSON file per
// identity, using the write-temp-then-rename idiom for crash safety.
type Log struct {
	dir string
}

// New returns a Log rooted at dir. dir is created if it does not exist.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, herrors.NewRestore("restorelog.New", dir, err)
	}
	return &Log{dir: dir}, nil
}

func (l *Log) pathFor(identity string) string {
	name := base64.URLEncoding.EncodeToString([]byte(identity))
	return filepath.Join(l.dir, name+".json")
}

// Flush writes the full current set of pending entries, overwriting
// whatever was on disk before and removing files for identities that are
// no longer present. Called after every time-wheel mutation.
func (l *Log) Flush(entries []timewheel.Entry) error {
	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		keep[l.pathFor(e.Identity)] = true
		if err := l.writeOne(e); err != nil {
			return err
		}
	}

	existing, err := os.ReadDir(l.dir)
	if err != nil {
		return herrors.NewRestore("restorelog.Flush", l.dir, err)
	}
	for _, f := range existing {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		p := filepath.Join(l.dir, f.Name())
		if !keep[p] {
			os.Remove(p)
		}
	}
	return nil
}

func (l *Log) writeOne(e timewheel.Entry) error {
	rec := record{
		FireAt:     e.FireAt,
		Identity:   e.Identity,
		Name:       e.Name,
		RepeatSpec: e.RepeatSpec,
		EventID:    e.EventID,
		Payload: recordPayload{
			DataKind: int(e.Payload.Data.Kind),
			DataStr:  e.Payload.Data.Str,
			DataTree: e.Payload.Data.Tree,
			Metadata: e.Payload.Metadata,
		},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return herrors.NewRestore("restorelog.writeOne", e.Identity, err)
	}

	tmp, err := os.CreateTemp(l.dir, ".tmp-restore-*")
	if err != nil {
		return herrors.NewRestore("restorelog.writeOne", e.Identity, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return herrors.NewRestore("restorelog.writeOne", e.Identity, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return herrors.NewRestore("restorelog.writeOne", e.Identity, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return herrors.NewRestore("restorelog.writeOne", e.Identity, err)
	}
	if err := os.Rename(tmpPath, l.pathFor(e.Identity)); err != nil {
		os.Remove(tmpPath)
		return herrors.NewRestore("restorelog.writeOne", e.Identity, err)
	}
	return nil
}

// Replay reads every persisted entry and splits it into those due now
// (fire_at has already passed — fire immediately per spec.md §4.11) and
// those still pending (reinsert into the wheel). Corrupt entries are
// logged as herrors.RestoreError via the returned error slice's caller
// (bootstrap logs and continues) rather than aborting the whole replay.
func (l *Log) Replay(now time.Time) (due []timewheel.Entry, pending []timewheel.Entry, corrupt []error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, nil, []error{herrors.NewRestore("restorelog.Replay", l.dir, err)}
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		p := filepath.Join(l.dir, f.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			corrupt = append(corrupt, herrors.NewRestore("restorelog.Replay", p, err))
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			corrupt = append(corrupt, herrors.NewRestore("restorelog.Replay", p, err))
			continue
		}

		entry := timewheel.Entry{
			FireAt:     rec.FireAt,
			Identity:   rec.Identity,
			Name:       rec.Name,
			RepeatSpec: rec.RepeatSpec,
			EventID:    rec.EventID,
		}
		entry.Payload.Data.Kind = payload.Kind(rec.Payload.DataKind)
		entry.Payload.Data.Str = rec.Payload.DataStr
		entry.Payload.Data.Tree = rec.Payload.DataTree
		entry.Payload.Metadata = rec.Payload.Metadata
		if entry.Payload.Metadata == nil {
			entry.Payload.Metadata = map[string]string{}
		}

		if !entry.FireAt.After(now) {
			due = append(due, entry)
		} else {
			pending = append(pending, entry)
		}
	}
	return due, pending, corrupt
}
