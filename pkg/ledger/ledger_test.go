package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvr-uploader/constant"
)

func testEntry(path string) Entry {
	return Entry{
		LocalPath:  path,
		StreamApp:  "live",
		StreamName: "mystream",
		Filename:   filepath.Base(path),
		State:      constant.StateDetected,
		DetectedAt: time.Now(),
	}
}

func TestOpenMissingFile(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	require.Empty(t, led.Entries())
}

func TestPutGet(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	e := testEntry("/recordings/live/mystream/rec1.flv")
	require.NoError(t, led.Put(e))

	got, ok := led.Get(e.LocalPath)
	require.True(t, ok)
	require.Equal(t, constant.StateDetected, got.State)
	require.Equal(t, "mystream", got.StreamName)
	require.False(t, got.UpdatedAt.IsZero())

	_, ok = led.Get("/recordings/live/mystream/other.flv")
	require.False(t, ok)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	led, err := Open(path)
	require.NoError(t, err)

	e := testEntry("/recordings/live/mystream/rec1.flv")
	e.State = constant.StateUploaded
	e.RemoteKey = "dvr/live/mystream/rec1.flv"
	require.NoError(t, led.Put(e))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, ok := reopened.Get(e.LocalPath)
	require.True(t, ok)
	require.Equal(t, constant.StateUploaded, got.State)
	require.Equal(t, "dvr/live/mystream/rec1.flv", got.RemoteKey)
}

func TestUpdate(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	e := testEntry("/recordings/live/mystream/rec1.flv")
	require.NoError(t, led.Put(e))

	require.NoError(t, led.Update(e.LocalPath, func(e *Entry) {
		e.State = constant.StateUploading
		e.UploadAttempts++
	}))

	got, _ := led.Get(e.LocalPath)
	require.Equal(t, constant.StateUploading, got.State)
	require.Equal(t, 1, got.UploadAttempts)

	require.ErrorIs(t, led.Update("/nope", func(*Entry) {}), ErrNotFound)
}

func TestDelete(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	e := testEntry("/recordings/live/mystream/rec1.flv")
	require.NoError(t, led.Put(e))
	require.NoError(t, led.Delete(e.LocalPath))
	_, ok := led.Get(e.LocalPath)
	require.False(t, ok)

	require.NoError(t, led.Delete("/nope"))
}

func TestEntriesOrderedByStabilization(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	now := time.Now()
	late := testEntry("/r/live/a/late.flv")
	late.StabilizedAt = now
	early := testEntry("/r/live/a/early.flv")
	early.StabilizedAt = now.Add(-time.Minute)
	require.NoError(t, led.Put(late))
	require.NoError(t, led.Put(early))

	entries := led.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "/r/live/a/early.flv", entries[0].LocalPath)
	require.Equal(t, "/r/live/a/late.flv", entries[1].LocalPath)
}

func TestDeadLetters(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	ok := testEntry("/r/live/a/done.flv")
	ok.State = constant.StateDone
	dead := testEntry("/r/live/a/dead.flv")
	dead.State = constant.StateDeadLetter
	dead.LastError = "boom"
	require.NoError(t, led.Put(ok))
	require.NoError(t, led.Put(dead))

	letters := led.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, "/r/live/a/dead.flv", letters[0].LocalPath)
	require.Equal(t, "boom", letters[0].LastError)
}
