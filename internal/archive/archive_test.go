package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plexrelay/internal/storage/memory"
)

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestStoreWritesPayloadAndThumb(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a := New(blobs, Config{Prefix: "/raw/"}, nil)
	require.True(t, a.Enabled())

	require.NoError(t, a.Store(context.Background(), "evt-1", []byte(`{"event":"x"}`), []byte{0xff, 0xd8}))
	require.Equal(t, []string{"raw/evt-1.jpeg", "raw/evt-1.json"}, blobs.Paths())

	obj, ok := blobs.Get("raw/evt-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
}

func TestStoreSkipsMissingThumb(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a := New(blobs, Config{}, nil)
	require.NoError(t, a.Store(context.Background(), "evt-2", []byte(`{}`), nil))
	require.Equal(t, []string{"plex/evt-2.json"}, blobs.Paths())
}

func TestStoreReportsFailures(t *testing.T) {
	t.Parallel()

	a := New(failingStore{}, Config{}, nil)
	err := a.Store(context.Background(), "evt-3", []byte(`{}`), []byte{1})
	require.ErrorContains(t, err, "bucket unavailable")

	require.Error(t, a.Store(context.Background(), "", []byte(`{}`), nil))
}

func TestDisabledArchiveIsNoop(t *testing.T) {
	t.Parallel()

	a := New(nil, Config{}, nil)
	require.False(t, a.Enabled())
	require.NoError(t, a.Store(context.Background(), "evt", []byte(`{}`), nil))
	a.StoreAsync(context.Background(), "evt", nil, nil)
}

func TestStoreAsyncSurvivesCancel(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a := New(blobs, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	a.StoreAsync(ctx, "evt-4", []byte(`{}`), nil)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := blobs.Get("plex/evt-4.json")
		return ok
	}, time.Second, 5*time.Millisecond)
}

type blockingStore struct {
	release chan struct{}
	*memory.BlobStore
}

func (s blockingStore) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	<-s.release
	return s.BlobStore.PutObject(ctx, path, contentType, data)
}

func TestWaitBlocksUntilBackgroundWritesFinish(t *testing.T) {
	t.Parallel()

	store := blockingStore{release: make(chan struct{}), BlobStore: memory.NewBlobStore()}
	a := New(store, Config{}, nil)
	a.StoreAsync(context.Background(), "evt-5", []byte(`{}`), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)

	close(store.release)
	require.NoError(t, a.Wait(context.Background()))
	_, ok := store.Get("plex/evt-5.json")
	require.True(t, ok)
}

func TestWaitOnDisabledArchive(t *testing.T) {
	t.Parallel()

	var a *Archive
	require.NoError(t, a.Wait(context.Background()))
}
