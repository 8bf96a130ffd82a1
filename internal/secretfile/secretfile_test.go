package secretfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refresh_token")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	_, err := Open(path, zerolog.Nop())
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestWatchPicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refresh_token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	secret, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "first", secret.Value())

	changed := make(chan string, 1)
	secret.OnChange(func(v string) {
		select {
		case changed <- v:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- secret.Watch(ctx) }()

	// Give the watcher time to register before rotating.
	time.Sleep(100 * time.Millisecond)
	tmp := filepath.Join(dir, ".refresh_token.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("second"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case got := <-changed:
		assert.Equal(t, "second", got)
	case <-time.After(5 * time.Second):
		t.Fatal("expected rotation to be observed")
	}
	assert.Equal(t, "second", secret.Value())

	cancel()
	require.NoError(t, <-done)
}
