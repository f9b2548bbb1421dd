// Package snapshot writes and reads full-state backups: every profile and
// zone, zstd-compressed, a JSON header line followed by a gob body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"hexclaim.io/internal/territory"
)

const Version = 1

type Header struct {
	Version  int       `json:"version"`
	TakenAt  time.Time `json:"taken_at"`
	Profiles int       `json:"profiles"`
	Zones    int       `json:"zones"`
}

type SnapshotV1 struct {
	Header   Header              `json:"header"`
	Profiles []territory.Profile `json:"profiles"`
	Zones    []territory.Zone    `json:"zones"`
}

func New(profiles []territory.Profile, zones []territory.Zone, takenAt time.Time) SnapshotV1 {
	return SnapshotV1{
		Header: Header{
			Version:  Version,
			TakenAt:  takenAt.UTC(),
			Profiles: len(profiles),
			Zones:    len(zones),
		},
		Profiles: profiles,
		Zones:    zones,
	}
}

// FileName is the conventional name of a snapshot taken at t.
func FileName(t time.Time) string {
	return "snapshot-" + t.UTC().Format("20060102T150405Z") + ".snap.zst"
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	hb, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
