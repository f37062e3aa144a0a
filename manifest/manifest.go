// Package manifest implements the JSON document inside each archive that
// maps archive members back to their original remote paths and metadata.
// The manifest is the authoritative record of what a backup contains; the
// archive members themselves carry only opaque ids.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdrive-zipbackup/remote"
)

// FileName is the fixed member name of the manifest at the archive root.
const FileName = "_manifest.json"

var (
	// ErrMissing is returned when a directory holds no manifest.
	ErrMissing = errors.New("manifest not found")

	// ErrCorrupt is returned when the manifest cannot be parsed or its
	// Files property is absent or not an array.
	ErrCorrupt = errors.New("manifest corrupt")
)

// Entry maps one archive member to its original remote file.
type Entry struct {
	GoogleDrivePath         string     `json:"GoogleDrivePath"`
	ArchivePath             string     `json:"ArchivePath"`
	SizeBytes               int64      `json:"SizeBytes"`
	GoogleDriveModifiedTime *time.Time `json:"GoogleDriveModifiedTime"`
}

// ID returns the remote id encoded in the entry's archive path: the member
// name with its extension stripped.
func (e Entry) ID() string {
	base := path.Base(e.ArchivePath)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Manifest is the document written once per backup and read-only thereafter.
type Manifest struct {
	BackupToolVersion  string    `json:"BackupToolVersion"`
	BackupTimestampUtc time.Time `json:"BackupTimestampUtc"`
	Files              []Entry   `json:"Files"`
}

// ByID builds a lookup from remote id to entry, used for incremental
// analysis against a prior backup.
func (m *Manifest) ByID() map[string]Entry {
	byID := make(map[string]Entry, len(m.Files))
	for _, e := range m.Files {
		byID[e.ID()] = e
	}
	return byID
}

// Read loads the manifest from dir. Returns ErrMissing when no manifest
// file exists and ErrCorrupt when it does not parse or its Files property
// is absent or not an array. Property names match case-insensitively.
func Read(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	// Probe the Files property before decoding entries so a manifest with
	// Files missing or of the wrong shape is rejected as corrupt rather
	// than silently treated as empty.
	var probe struct {
		Files json.RawMessage `json:"Files"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	raw := bytes.TrimSpace(probe.Files)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: Files property missing or not an array", ErrCorrupt)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &m, nil
}

// Write stores the manifest into dir as human-readable JSON with entries
// sorted by GoogleDrivePath ascending.
func Write(dir string, m *Manifest) error {
	sorted := make([]Entry, len(m.Files))
	copy(sorted, m.Files)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GoogleDrivePath < sorted[j].GoogleDrivePath
	})
	out := Manifest{
		BackupToolVersion:  m.BackupToolVersion,
		BackupTimestampUtc: m.BackupTimestampUtc.UTC(),
		Files:              sorted,
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to write manifest: %w", err))
	}
	return nil
}
