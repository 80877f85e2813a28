package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Put(ctx context.Context, bucket, objectPath string, body io.Reader) (string, error) {
	args := m.Called(ctx, bucket, objectPath, body)
	return args.String(0), args.Error(1)
}

func TestValidate(t *testing.T) {
	t.Run("Too large image rejected before upload", func(t *testing.T) {
		store := &mockStore{}
		f := File{Name: "photo.png", ContentType: "image/png", Size: 6 * MB, Body: bytes.NewReader(nil)}

		_, _, err := Upload(context.Background(), store, GalleryImage, "media", "gallery", f)
		assert.ErrorIs(t, err, ErrTooLarge)
		assert.Contains(t, err.Error(), "file is 6.0MB, limit is 5.0MB")
		store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Wrong type", func(t *testing.T) {
		err := GalleryImage.Validate(File{Name: "clip.mp4", ContentType: "video/mp4", Size: MB})
		assert.ErrorIs(t, err, ErrUnsupportedType)
		assert.Contains(t, err.Error(), "image/*")

		err = PostMedia.Validate(File{Name: "doc.pdf", ContentType: "application/pdf", Size: MB})
		assert.ErrorIs(t, err, ErrUnsupportedType)
	})

	t.Run("Accepted", func(t *testing.T) {
		assert.NoError(t, PostMedia.Validate(File{Name: "clip.mp4", ContentType: "video/mp4", Size: 49 * MB}))
		assert.NoError(t, GalleryImage.Validate(File{Name: "a.jpg", ContentType: "image/jpeg", Size: 5 * MB}))
		assert.ErrorIs(t, GalleryImage.Validate(File{Name: "a.jpg", ContentType: "image/jpeg"}), ErrEmptyFile)
	})

	t.Run("KindOf", func(t *testing.T) {
		assert.Equal(t, models.MediaVideo, KindOf("video/webm"))
		assert.Equal(t, models.MediaImage, KindOf("image/gif"))
	})
}

func TestUpload(t *testing.T) {
	store := &mockStore{}
	store.On("Put", mock.Anything, "media", mock.MatchedBy(func(p string) bool {
		return strings.HasPrefix(p, "posts/") && strings.HasSuffix(p, ".mp4")
	}), mock.Anything).Return("http://localhost/media/posts/x.mp4", nil)

	url, kind, err := Upload(context.Background(), store, PostMedia, "media", "posts",
		File{Name: "Clip.MP4", ContentType: "video/mp4", Size: 3, Body: strings.NewReader("abc")})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/media/posts/x.mp4", url)
	assert.Equal(t, models.MediaVideo, kind)
	store.AssertExpectations(t)
}

func TestFileStore(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root, "http://localhost:8080/files/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "media", "posts/a.png", strings.NewReader("png"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/media/posts/a.png", url)

	data, err := os.ReadFile(filepath.Join(root, "media", "posts", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	_, err = store.Put(context.Background(), "media", "posts/a.png", strings.NewReader("again"))
	assert.Error(t, err, "Повторная запись того же объекта запрещена")

	_, err = store.Put(context.Background(), "media", "../../etc/passwd", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPath)
}
