package camera

import (
	"bytes"
	"testing"
)

func TestWrapPDF(t *testing.T) {
	frame := testJPEG(t, 640, 480)

	out, err := WrapPDF(frame)
	if err != nil {
		t.Fatalf("WrapPDF() error = %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Error("output does not start with a PDF header")
	}
	// The page box carries the pixel dimensions as points.
	if !bytes.Contains(out, []byte("640")) || !bytes.Contains(out, []byte("480")) {
		t.Error("page size does not reflect the image dimensions")
	}
}

func TestWrapPDFRejectsNonJPEG(t *testing.T) {
	if _, err := WrapPDF([]byte("not an image")); err == nil {
		t.Error("WrapPDF() accepted garbage input")
	}
}
