// Package qrcode renders attendance session payloads as PNG QR codes.
package qrcode

import (
	"fmt"

	goqrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels used when no size is configured.
const DefaultSize = 320

// Renderer encodes text into PNG QR images of a fixed size.
type Renderer struct {
	size  int
	level goqrcode.RecoveryLevel
}

// NewRenderer builds a renderer producing images of the given edge length.
func NewRenderer(size int) *Renderer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Renderer{size: size, level: goqrcode.Medium}
}

// PNG renders the content as a PNG image.
func (r *Renderer) PNG(content string) ([]byte, error) {
	if content == "" {
		return nil, fmt.Errorf("qr content must not be empty")
	}

	png, err := goqrcode.Encode(content, r.level, r.size)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}

	return png, nil
}
