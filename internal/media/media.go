package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/google/uuid"
)

const MB = 1 << 20

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
	ErrInvalidPath     = errors.New("invalid object path")
)

// Constraints - ограничения на загружаемый файл
type Constraints struct {
	AcceptPrefixes []string
	MaxBytes       int64
}

var (
	// PostMedia - изображения и видео к постам
	PostMedia = Constraints{AcceptPrefixes: []string{"image/", "video/"}, MaxBytes: 50 * MB}
	// GalleryImage - изображения галереи и событий
	GalleryImage = Constraints{AcceptPrefixes: []string{"image/"}, MaxBytes: 5 * MB}
)

// File - загружаемый файл
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Validate проверяет тип и размер до любого обращения к хранилищу
func (c Constraints) Validate(f File) error {
	if f.Size <= 0 {
		return ErrEmptyFile
	}
	accepted := false
	for _, p := range c.AcceptPrefixes {
		if strings.HasPrefix(f.ContentType, p) {
			accepted = true
			break
		}
	}
	if !accepted {
		return fmt.Errorf("%w: %q, accepted %s", ErrUnsupportedType, f.ContentType, strings.Join(acceptList(c.AcceptPrefixes), ", "))
	}
	if c.MaxBytes > 0 && f.Size > c.MaxBytes {
		return fmt.Errorf("%w: file is %.1fMB, limit is %.1fMB", ErrTooLarge, float64(f.Size)/MB, float64(c.MaxBytes)/MB)
	}
	return nil
}

func acceptList(prefixes []string) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = p + "*"
	}
	return out
}

// KindOf определяет тип медиа по MIME
func KindOf(contentType string) models.MediaType {
	if strings.HasPrefix(contentType, "video/") {
		return models.MediaVideo
	}
	return models.MediaImage
}

// Store - объектное хранилище, возвращающее публичный адрес
type Store interface {
	Put(ctx context.Context, bucket, objectPath string, body io.Reader) (string, error)
}

// Upload проверяет файл и кладет его в хранилище под случайным именем
func Upload(ctx context.Context, store Store, c Constraints, bucket, prefix string, f File) (string, models.MediaType, error) {
	if err := c.Validate(f); err != nil {
		return "", "", err
	}
	ext := strings.ToLower(path.Ext(f.Name))
	objectPath := path.Join(prefix, uuid.New().String()+ext)

	url, err := store.Put(ctx, bucket, objectPath, io.LimitReader(f.Body, f.Size))
	if err != nil {
		return "", "", fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}
	return url, KindOf(f.ContentType), nil
}

// FileStore хранит объекты на диске под Root и отдает их по BaseURL
type FileStore struct {
	Root    string
	BaseURL string
}

func NewFileStore(root, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &FileStore{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FileStore) Put(ctx context.Context, bucket, objectPath string, body io.Reader) (string, error) {
	rel := path.Clean(path.Join(bucket, objectPath))
	if bucket == "" || strings.HasPrefix(rel, "..") || path.IsAbs(rel) || !strings.HasPrefix(rel, path.Clean(bucket)+"/") {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidPath, bucket, objectPath)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full := filepath.Join(s.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	out, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(full)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return s.BaseURL + "/" + rel, nil
}
