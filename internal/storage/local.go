package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// LocalService keeps attachments in a directory served as static files.
type LocalService struct {
	dir        string
	publicPath string
}

func NewLocalService(dir, publicPath string) (*LocalService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if publicPath == "" {
		publicPath = "/images"
	}
	return &LocalService{dir: dir, publicPath: publicPath}, nil
}

// Dir returns the directory holding the stored files.
func (s *LocalService) Dir() string { return s.dir }

// PublicPath returns the URL prefix the directory is served under.
func (s *LocalService) PublicPath() string { return s.publicPath }

func (s *LocalService) Put(ctx context.Context, obj Object) error {
	if err := validateKey(obj.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, obj.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", obj.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", obj.Key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, obj.Key)); err != nil {
		return fmt.Errorf("store %s: %w", obj.Key, err)
	}
	return nil
}

func (s *LocalService) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *LocalService) URL(key string) string {
	return path.Join(s.publicPath, key)
}

var _ Service = (*LocalService)(nil)
