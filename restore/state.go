package restore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdrive-zipbackup/remote"
)

// StateFileName is the journal's file name inside the extraction directory.
const StateFileName = "_restore_state.json"

// ErrStateNotFound is returned when a resume directory holds no journal.
var ErrStateNotFound = errors.New("restore state not found")

// Settings is the snapshot of the options a restore was started with. On
// resume the snapshot wins over ambient configuration.
type Settings struct {
	RestoreParentID  string `json:"RestoreParentId"`
	MaxParallelTasks int    `json:"MaxParallelTasks"`
}

// stateDoc is the on-disk shape of the journal.
type stateDoc struct {
	SettingsUsed                 Settings  `json:"SettingsUsed"`
	CompletedArchivePaths        []string  `json:"CompletedArchivePaths"`
	RestoreInitiatedTimestampUtc time.Time `json:"RestoreInitiatedTimestampUtc"`
	OriginalBackupArchivePath    string    `json:"OriginalBackupArchivePath"`
}

// StateStore is the per-restore journal of confirmed uploads. It lives in
// the temporary extraction directory and is deleted with it only on full
// success. All mutation and saving happens under the store's own mutex;
// Save is idempotent and deliberately takes no context, because the final
// best-effort save on cancellation must not itself be cancellable.
type StateStore struct {
	mu        sync.Mutex
	dir       string
	settings  Settings
	initiated time.Time
	original  string
	completed map[string]string // folded archive path -> original case
}

// NewStateStore starts a fresh journal for a restore of originalArchive.
func NewStateStore(dir string, settings Settings, originalArchive string) *StateStore {
	return &StateStore{
		dir:       dir,
		settings:  settings,
		initiated: time.Now().UTC(),
		original:  originalArchive,
		completed: make(map[string]string),
	}
}

// LoadStateStore reads the journal from a resume directory.
func LoadStateStore(dir string) (*StateStore, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read restore state: %w", err)
	}

	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse restore state: %w", err)
	}

	s := &StateStore{
		dir:       dir,
		settings:  doc.SettingsUsed,
		initiated: doc.RestoreInitiatedTimestampUtc,
		original:  doc.OriginalBackupArchivePath,
		completed: make(map[string]string, len(doc.CompletedArchivePaths)),
	}
	for _, p := range doc.CompletedArchivePaths {
		s.completed[strings.ToLower(p)] = p
	}
	return s, nil
}

// Settings returns the snapshot the restore was started with.
func (s *StateStore) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// OriginalArchive returns the archive path recorded at restore start.
func (s *StateStore) OriginalArchive() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.original
}

// Completed reports whether the member was already uploaded, comparing
// case-insensitively.
func (s *StateStore) Completed(archivePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[strings.ToLower(archivePath)]
	return ok
}

// CompletedCount returns the number of confirmed uploads.
func (s *StateStore) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// MarkCompleted records a confirmed upload. Call only after the remote has
// acknowledged the file.
func (s *StateStore) MarkCompleted(archivePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[strings.ToLower(archivePath)] = archivePath
}

// Save writes the journal, with CompletedArchivePaths sorted ascending,
// case-insensitive. Serialized under the store's mutex.
func (s *StateStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.completed))
	for _, p := range s.completed {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return strings.ToLower(paths[i]) < strings.ToLower(paths[j])
	})

	doc := stateDoc{
		SettingsUsed:                 s.settings,
		CompletedArchivePaths:        paths,
		RestoreInitiatedTimestampUtc: s.initiated,
		OriginalBackupArchivePath:    s.original,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal restore state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, StateFileName), data, 0o644); err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to write restore state: %w", err))
	}
	return nil
}
