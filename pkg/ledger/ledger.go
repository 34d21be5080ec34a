package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dvr-uploader/constant"
)

var ErrNotFound = errors.New("ledger: entry not found")

// Entry is the durable record for one local recording file. The ledger is the
// source of truth across restarts; in-memory pipeline state is rebuilt from it.
type Entry struct {
	LocalPath  string `json:"local_path"`
	StreamApp  string `json:"stream_app"`
	StreamName string `json:"stream_name"`
	Filename   string `json:"filename"`

	State constant.RecordingState `json:"state"`
	Phase constant.Phase          `json:"phase,omitempty"`

	SizeBytes int64  `json:"size_bytes"`
	RemoteKey string `json:"remote_key,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	RecordID  string `json:"db_record_id,omitempty"`

	UploadAttempts  int  `json:"upload_attempts"`
	PersistAttempts int  `json:"persist_attempts"`
	NotifyAttempts  int  `json:"notify_attempts"`
	NotifyFailed    bool `json:"notify_failed,omitempty"`

	DetectedAt   time.Time `json:"detected_at"`
	StabilizedAt time.Time `json:"stabilized_at,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`

	LastError string `json:"last_error,omitempty"`
}

type snapshot struct {
	Entries map[string]Entry `json:"entries"`
}

// Ledger is a file-backed map keyed by local path. Every mutation is flushed
// with a write-tmp-then-rename so a crash never leaves a torn file, and a
// state written before an operation proceeds is guaranteed to survive it.
type Ledger struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
}

func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		entries: map[string]Entry{},
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Get(localPath string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[localPath]
	return e, ok
}

// Put stores the entry and flushes it to disk before returning.
func (l *Ledger) Put(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.UpdatedAt = time.Now()
	prev, existed := l.entries[e.LocalPath]
	l.entries[e.LocalPath] = e
	if err := l.saveLocked(); err != nil {
		if existed {
			l.entries[e.LocalPath] = prev
		} else {
			delete(l.entries, e.LocalPath)
		}
		return err
	}
	return nil
}

// Update applies fn to the entry under the lock and flushes the result.
func (l *Ledger) Update(localPath string, fn func(*Entry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[localPath]
	if !ok {
		return ErrNotFound
	}
	prev := e
	fn(&e)
	e.UpdatedAt = time.Now()
	l.entries[localPath] = e
	if err := l.saveLocked(); err != nil {
		l.entries[localPath] = prev
		return err
	}
	return nil
}

func (l *Ledger) Delete(localPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.entries[localPath]
	if !ok {
		return nil
	}
	delete(l.entries, localPath)
	if err := l.saveLocked(); err != nil {
		l.entries[localPath] = prev
		return err
	}
	return nil
}

// Entries returns a copy of all entries sorted by stabilization time, oldest
// first, so resumed work keeps the original FIFO ordering.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StabilizedAt.Before(out[j].StabilizedAt)
	})
	return out
}

func (l *Ledger) DeadLetters() []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if e.State == constant.StateDeadLetter {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Entries != nil {
		l.entries = snap.Entries
	}
	return nil
}

func (l *Ledger) saveLocked() error {
	snap := snapshot{Entries: l.entries}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
