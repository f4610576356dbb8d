package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidKey is returned for keys that would escape the storage root.
var ErrInvalidKey = errors.New("invalid storage key")

// Object is an attachment ready to be stored.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Service stores sauce images and resolves their public URL.
type Service interface {
	Put(ctx context.Context, obj Object) error
	Delete(ctx context.Context, key string) error
	// URL returns the public location of key. Local storage returns a path
	// relative to the server root.
	URL(key string) string
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || path.Clean(key) != key {
		return ErrInvalidKey
	}
	return nil
}
