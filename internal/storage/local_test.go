package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalPutRoundTrip(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root, "archive")

	data := []byte{0xff, 0xd8, 0xff, 0x00, 0x01}
	if err := l.Put(context.Background(), "images/cam/frame.jpg", data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "archive", "images", "cam", "frame.jpg"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("stored bytes differ from input")
	}
}

// Repeated identical uploads overwrite and leave exactly one file.
func TestLocalPutOverwrites(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root, "archive")

	if err := l.Put(context.Background(), "images/frame.jpg", []byte("first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := l.Put(context.Background(), "images/frame.jpg", []byte("second")); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	dir := filepath.Join(root, "archive", "images")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("found %d entries, want exactly one file", len(entries))
	}
	got, _ := os.ReadFile(filepath.Join(dir, "frame.jpg"))
	if string(got) != "second" {
		t.Errorf("content = %q, want the overwriting payload", got)
	}
}

func TestLocalAbsoluteBasePathIgnoresRoot(t *testing.T) {
	base := t.TempDir()
	l := NewLocal("/should/not/be/used", base)

	if err := l.Put(context.Background(), "others/a.txt", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "others", "a.txt")); err != nil {
		t.Errorf("file not under the absolute base path: %v", err)
	}
}
