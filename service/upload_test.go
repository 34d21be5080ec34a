package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	uploads map[string]int
	errs    []error
	block   map[string]chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads: map[string]int{},
		block:   map[string]chan struct{}{},
	}
}

// failNext queues transient errors for the next len(errs) calls.
func (f *fakeStore) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// blockKey makes uploads of key hang until the returned channel is closed.
func (f *fakeStore) blockKey(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block[key] = ch
	return ch
}

func (f *fakeStore) Upload(ctx context.Context, localPath, key string) error {
	f.mu.Lock()
	gate := f.block[key]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	f.uploads[key]++
	return nil
}

func (f *fakeStore) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[key]
}

func TestRemoteKeyDeterministic(t *testing.T) {
	key := RemoteKey("live", "mystream", "rec1.flv")
	require.Equal(t, "dvr/live/mystream/rec1.flv", key)
	require.Equal(t, key, RemoteKey("live", "mystream", "rec1.flv"))
}

func TestParseRecordingPath(t *testing.T) {
	app, stream, file, err := ParseRecordingPath("/recordings", "/recordings/live/mystream/rec1.flv")
	require.NoError(t, err)
	require.Equal(t, "live", app)
	require.Equal(t, "mystream", stream)
	require.Equal(t, "rec1.flv", file)

	// Deeper nesting keeps the first two segments as stream coordinates.
	app, stream, file, err = ParseRecordingPath("/recordings", "/recordings/live/mystream/2024/rec2.flv")
	require.NoError(t, err)
	require.Equal(t, "live", app)
	require.Equal(t, "mystream", stream)
	require.Equal(t, "rec2.flv", file)

	_, _, _, err = ParseRecordingPath("/recordings", "/recordings/orphan.flv")
	require.ErrorIs(t, err, ErrNonRetryable)

	_, _, _, err = ParseRecordingPath("/recordings", "/elsewhere/live/mystream/rec1.flv")
	require.ErrorIs(t, err, ErrNonRetryable)
}

func TestSessionTimestamp(t *testing.T) {
	require.Equal(t, "2024-06-01-15-04-05", SessionTimestamp("2024-06-01-15-04-05.flv"))
	require.Equal(t, "noext", SessionTimestamp("noext"))
}

func TestUploaderSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec1.flv")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))

	store := newFakeStore()
	u := NewUploader(store, "my-bucket", "sgp1", "sgp1.digitaloceanspaces.com", "", 0)

	result, err := u.Upload(context.Background(), path, "live", "mystream", "rec1.flv")
	require.NoError(t, err)
	require.Equal(t, "dvr/live/mystream/rec1.flv", result.RemoteKey)
	require.Equal(t, "https://my-bucket.sgp1.digitaloceanspaces.com/dvr/live/mystream/rec1.flv", result.RemoteURL)
	require.Equal(t, "my-bucket", result.Bucket)
	require.Equal(t, "sgp1", result.Region)
	require.Equal(t, int64(2048), result.SizeBytes)
	require.Equal(t, 1, store.count("dvr/live/mystream/rec1.flv"))
}

func TestUploaderCDNBaseURL(t *testing.T) {
	u := NewUploader(newFakeStore(), "my-bucket", "sgp1", "sgp1.digitaloceanspaces.com", "https://cdn.example.com/", 0)
	require.Equal(t, "https://cdn.example.com/dvr/live/mystream/rec1.flv", u.RemoteURL("dvr/live/mystream/rec1.flv"))
}

func TestUploaderMissingFileIsPermanent(t *testing.T) {
	u := NewUploader(newFakeStore(), "my-bucket", "sgp1", "sgp1.digitaloceanspaces.com", "", 0)
	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "vanished.flv"), "live", "mystream", "vanished.flv")
	require.ErrorIs(t, err, ErrNonRetryable)
}

func TestClassifyStorageErrPassesTransient(t *testing.T) {
	cause := errors.New("connection reset")
	err := classifyStorageErr(cause)
	require.NotErrorIs(t, err, ErrNonRetryable)
	require.ErrorIs(t, err, cause)
}
