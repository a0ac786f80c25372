package imagemeta

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Meta describes a decoded image payload.
type Meta struct {
	Width  int
	Height int
	Format string
}

// Inspect decodes the payload and reports its pixel dimensions and encoding
// name. The header sniff yields dimensions and format cheaply; the full
// imaging decode guarantees the payload is a renderable image, not just a
// plausible header.
func Inspect(data []byte) (Meta, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Meta{}, fmt.Errorf("imagemeta: sniff: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Meta{}, fmt.Errorf("imagemeta: non-positive dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return Meta{}, fmt.Errorf("imagemeta: decode: %w", err)
	}
	return Meta{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// DataURI embeds the encoded bytes in a self-describing data URI.
func DataURI(format string, data []byte) string {
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(data))
}
