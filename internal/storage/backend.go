// Package storage writes inbound base64 file payloads to the backend a
// device's model selects: local filesystem, FTP, SFTP, or S3.
package storage

import (
	"context"
	"strings"
)

// Backend is one storage destination. Paths use "/" regardless of host OS.
// Put overwrites an existing destination file.
type Backend interface {
	Put(ctx context.Context, path string, data []byte) error
	MkdirAll(ctx context.Context, path string) error
	Close() error
}

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "bmp": true, "webp": true,
}

// Classify maps a file extension to its destination folder.
func Classify(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch {
	case imageExts[ext]:
		return "images"
	case ext == "pdf":
		return "pdfs"
	default:
		return "others"
	}
}
