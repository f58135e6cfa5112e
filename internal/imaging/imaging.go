// Package imaging holds the pure byte transforms the HTTP surface applies
// to board snapshots.
package imaging

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"image"

	"github.com/HugoSmits86/nativewebp"
)

// GzipBytes compresses a raw board snapshot for the getboard endpoint.
func GzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip board: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeWebP renders the raw RGB grid as a lossless WebP image.
func EncodeWebP(pixels []byte, width, height int) ([]byte, error) {
	if len(pixels) != width*height*3 {
		return nil, fmt.Errorf("pixel buffer is %d bytes, want %d", len(pixels), width*height*3)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		src := i * 3
		dst := i * 4
		img.Pix[dst] = pixels[src]
		img.Pix[dst+1] = pixels[src+1]
		img.Pix[dst+2] = pixels[src+2]
		img.Pix[dst+3] = 0xFF
	}

	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}
