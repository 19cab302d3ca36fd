package camera

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/go-pdf/fpdf"
)

// WrapPDF embeds a JPEG into a single-page PDF whose page size equals the
// image's pixel dimensions, so the frame renders edge to edge at 1:1.
func WrapPDF(frame []byte) ([]byte, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg header: %w", err)
	}
	w, h := float64(cfg.Width), float64(cfg.Height)

	doc := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: w, Ht: h},
	})
	doc.SetMargins(0, 0, 0)
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()

	opts := fpdf.ImageOptions{ImageType: "JPG"}
	doc.RegisterImageOptionsReader("frame", opts, bytes.NewReader(frame))
	doc.ImageOptions("frame", 0, 0, w, h, false, opts, 0, "")

	var out bytes.Buffer
	if err := doc.Output(&out); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return out.Bytes(), nil
}
