package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{name: "plain", key: "video/abc.mp4", want: "video/abc.mp4"},
		{name: "leading slash", key: "/video/abc.mp4", want: "video/abc.mp4"},
		{name: "dot prefix", key: "./a/b.png", want: "a/b.png"},
		{name: "backslashes", key: `a\b\c.png`, want: "a/b/c.png"},
		{name: "inner traversal collapses", key: "a/../b.png", want: "b.png"},
		{name: "escape", key: "../etc/passwd", wantErr: ErrInvalidKey},
		{name: "parent only", key: "..", wantErr: ErrInvalidKey},
		{name: "empty", key: "  ", wantErr: ErrEmptyKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SanitizeKey(tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileStore_WriteAndRead(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir, "https://cdn.example.com/assets/")
	require.NoError(t, err)

	ctx := context.Background()
	key, err := s.Write(ctx, "/image/t1/0.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "image/t1/0.png", key)

	raw, err := os.ReadFile(filepath.Join(dir, "image", "t1", "0.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(raw))

	data, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	assert.Equal(t, "https://cdn.example.com/assets/image/t1/0.png", s.URL(key))

	// overwrite
	_, err = s.Write(ctx, key, []byte("v2"))
	require.NoError(t, err)
	data, err = s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestFileStore_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore(" ", "")
	assert.ErrorIs(t, err, ErrNoBasePath)

	s, err := NewFileStore(t.TempDir(), "/assets")
	require.NoError(t, err)

	_, err = s.Write(context.Background(), "../../x", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Write(ctx, "a.png", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)

	var nilStore *FileStore
	_, err = nilStore.Write(context.Background(), "a.png", nil)
	assert.Error(t, err)
	assert.Empty(t, nilStore.BasePath())
}

func TestExtensionForMIME(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ".png", ExtensionForMIME("image/png"))
	assert.Equal(t, ".mp4", ExtensionForMIME("VIDEO/MP4"))
	assert.Equal(t, ".bin", ExtensionForMIME("application/x-unknown"))
}
